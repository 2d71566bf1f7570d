package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/webosbrew/dev-manager-desktop/internal/config"
	"github.com/webosbrew/dev-manager-desktop/internal/crypto"
	"github.com/webosbrew/dev-manager-desktop/internal/device"
	"github.com/webosbrew/dev-manager-desktop/internal/sshkeys"
	"golang.org/x/term"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage the devices file",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openCLI()
		if err != nil {
			return err
		}
		defer env.close()

		devices, err := env.dir.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Printf("No devices in %s\n", config.Cfg.DevicesFile)
			return nil
		}
		fmt.Printf("%-20s %-25s %-12s %-10s %s\n", "NAME", "ADDRESS", "USER", "AUTH", "DEFAULT")
		for _, d := range devices {
			def := ""
			if d.Default {
				def = "*"
			}
			fmt.Printf("%-20s %-25s %-12s %-10s %s\n", d.Name, d.Addr(), d.Username, authKind(d), def)
		}
		return nil
	},
}

func authKind(d device.Device) string {
	switch {
	case d.PrivateKey != nil:
		return "key"
	case d.Password != "":
		return "password"
	}
	return "none"
}

var addOpts struct {
	host, user, keyPath, keyFile string
	port                         int
	password, passphrase         bool
	makeDefault                  bool
	description                  string
}

var devicesAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add or replace a device",
	Long: `add writes a device to the devices file. Passwords and key
passphrases are prompted for and stored encrypted with the secret key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openCLI()
		if err != nil {
			return err
		}
		defer env.close()

		dev := device.Device{
			Name:        args[0],
			Host:        addOpts.host,
			Port:        addOpts.port,
			Username:    addOpts.user,
			Description: addOpts.description,
			Default:     addOpts.makeDefault,
		}
		switch {
		case addOpts.keyPath != "":
			dev.PrivateKey = &device.PrivateKey{Path: addOpts.keyPath}
		case addOpts.keyFile != "":
			data, err := os.ReadFile(addOpts.keyFile)
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			dev.PrivateKey = &device.PrivateKey{Data: string(data)}
		}
		if addOpts.password {
			if dev.Password, err = promptSecret(env, "Password: "); err != nil {
				return err
			}
		}
		if addOpts.passphrase {
			if dev.Passphrase, err = promptSecret(env, "Key passphrase: "); err != nil {
				return err
			}
		}
		if err := env.dir.Put(dev); err != nil {
			return err
		}
		fmt.Printf("Device %q saved to %s\n", dev.Name, config.Cfg.DevicesFile)
		return nil
	},
}

// promptSecret reads a line without echo and returns it encrypted.
func promptSecret(env *cliEnv, prompt string) (string, error) {
	plain, err := readSecret(prompt)
	if err != nil {
		return "", err
	}
	return crypto.Encrypt(env.key, plain)
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var devicesRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openCLI()
		if err != nil {
			return err
		}
		defer env.close()
		return env.dir.Remove(args[0])
	},
}

var devicesCheckCmd = &cobra.Command{
	Use:   "check [NAME]",
	Short: "Connect to a device and report its kernel and uptime",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openCLI()
		if err != nil {
			return err
		}
		defer env.close()

		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		dev, err := pickDevice(cmd.Context(), env.dir, name)
		if err != nil {
			return err
		}
		start := time.Now()
		out, err := env.mgr.Exec(cmd.Context(), dev, "uname -a && uptime", nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s: reachable in %s\n%s", dev.Name, units.HumanDuration(time.Since(start)), out.Stdout)
		return nil
	},
}

var encryptSecretCmd = &cobra.Command{
	Use:   "encrypt-secret",
	Short: "Encrypt a value for the devices file",
	Long: `encrypt-secret reads a value from the terminal (or stdin) and prints
it as a "fernet:" token that the devices file accepts for password and
passphrase.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openCLI()
		if err != nil {
			return err
		}
		defer env.close()
		tok, err := promptSecret(env, "Value: ")
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

var keygenOpts struct {
	name       string
	passphrase bool
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ED25519 key pair in the SSH key directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase := ""
		if keygenOpts.passphrase {
			var err error
			if passphrase, err = readSecret("Passphrase: "); err != nil {
				return err
			}
		}
		pub, priv, err := sshkeys.GenerateKeyPair("devmgr", passphrase)
		if err != nil {
			return err
		}
		if err := sshkeys.SaveKeyPair(config.Cfg.SSHKeyDir, keygenOpts.name, priv, pub); err != nil {
			return err
		}
		fmt.Printf("Private key: %s\n", filepath.Join(config.Cfg.SSHKeyDir, keygenOpts.name))
		fmt.Printf("Public key:  %s", pub)
		return nil
	},
}

func init() {
	f := devicesAddCmd.Flags()
	f.StringVar(&addOpts.host, "host", "", "Host name or address")
	f.IntVar(&addOpts.port, "port", device.DefaultPort, "SSH port")
	f.StringVar(&addOpts.user, "user", "prisoner", "SSH user")
	f.StringVar(&addOpts.keyPath, "key", "", "Private key file, relative to the SSH key directory")
	f.StringVar(&addOpts.keyFile, "key-inline", "", "Private key file to embed in the devices file")
	f.BoolVar(&addOpts.password, "password", false, "Prompt for a password")
	f.BoolVar(&addOpts.passphrase, "passphrase", false, "Prompt for the key passphrase")
	f.BoolVar(&addOpts.makeDefault, "default", false, "Make this the default device")
	f.StringVar(&addOpts.description, "description", "", "Free-form description")
	devicesAddCmd.MarkFlagRequired("host")

	keygenCmd.Flags().StringVar(&keygenOpts.name, "name", sshkeys.DefaultKeyName, "Key file name")
	keygenCmd.Flags().BoolVar(&keygenOpts.passphrase, "passphrase", false, "Prompt for a passphrase")

	devicesCmd.AddCommand(devicesListCmd, devicesAddCmd, devicesRemoveCmd, devicesCheckCmd)
}
