//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
)

// errSecItemNotFound is the exit status of `security` for a missing item.
const errSecItemNotFound = 44

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == errSecItemNotFound {
		return nil, fmt.Errorf("no keychain item for account %q in service %q", account, service)
	}
	if err != nil {
		return nil, fmt.Errorf("reading keychain: %w", err)
	}
	return out, nil
}

// keychainSet creates or updates (-U) the generic password item.
func keychainSet(service, account, value string) error {
	if err := exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).Run(); err != nil {
		return fmt.Errorf("writing keychain item %s/%s: %w", service, account, err)
	}
	return nil
}
