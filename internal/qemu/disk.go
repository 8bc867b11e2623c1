package qemu

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// createBackingDisk provisions the ephemeral qcow2 image that snapshot jobs
// use as their store. It lives inside the guest root and is removed again on
// guest teardown.
func createBackingDisk(ctx context.Context, qemuImgBin string, path string, sizeMiB int) error {
	cmd := exec.CommandContext(ctx, qemuImgBin, "create", "-f", "qcow2", path, strconv.Itoa(sizeMiB)+"M")

	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Join(ErrCouldNotCreateBackingDisk, err, errors.New(strings.TrimSpace(string(output))))
	}

	return nil
}
