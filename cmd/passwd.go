package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"grimm.is/tunnelboard/internal/auth"
	"grimm.is/tunnelboard/internal/config"
	"grimm.is/tunnelboard/internal/logging"
	"grimm.is/tunnelboard/internal/store"
)

// RunPasswd sets or clears the dashboard password while the daemon is
// stopped. A running daemon owns the settings file; use the API instead.
func RunPasswd(args []string) error {
	fs := flag.NewFlagSet("passwd", flag.ContinueOnError)
	configFile := configFlag(fs)
	clearPassword := fs.Bool("clear", false, "Remove the password (open mode)")
	fromStdin := fs.Bool("stdin", false, "Read the new password from stdin instead of prompting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	var password string
	switch {
	case *clearPassword:
	case *fromStdin:
		if password, err = readPassword(os.Stdin); err != nil {
			return err
		}
	default:
		if password, err = promptPassword(passwordPolicy(cfg)); err != nil {
			return err
		}
	}

	if err := writePassword(context.Background(), cfg, password, logger); err != nil {
		return err
	}
	if password == "" {
		Printer.Println("Password cleared. The API is open until a new password is set.")
	} else {
		Printer.Println("Password set.")
	}
	return nil
}

// writePassword stores password (or clears it when empty) in the settings
// file under its lock.
func writePassword(ctx context.Context, cfg *config.Config, password string, logger *logging.Logger) error {
	lock, err := store.AcquireLock(cfg.DataFile)
	if errors.Is(err, store.ErrLocked) {
		return fmt.Errorf("the daemon is running; change the password through the API (POST /api/auth/password)")
	}
	if err != nil {
		return err
	}
	defer lock.Release()

	files := store.NewFileStore(cfg.DataFile, logger.WithComponent("store"))
	doc, err := files.Load()
	if err != nil {
		return err
	}

	doc.PasswordHash = nil
	if password != "" {
		if err := auth.ValidatePassword(password, passwordPolicy(cfg)); err != nil {
			return err
		}
		record, err := auth.NewCredentialStore().Hash(ctx, password)
		if err != nil {
			return err
		}
		doc.PasswordHash = &record
	}
	return files.Save(doc)
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password on stdin")
	}
	return password, nil
}

func promptPassword(policy auth.PasswordPolicy) (string, error) {
	var password, confirm string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("New password").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(func(s string) error {
					return auth.ValidatePassword(s, policy)
				}),
			huh.NewInput().
				Title("Confirm password").
				EchoMode(huh.EchoModePassword).
				Value(&confirm).
				Validate(func(s string) error {
					if s != password {
						return errors.New("passwords do not match")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return password, nil
}
