package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"

	"pdulink/api"
	"pdulink/config"
)

type cliFlags struct {
	configPath  string
	showVersion bool
	shell       bool
	namespace   string
	httpPort    int
	httpHost    string
	noAPI       bool
	sshPort     int
	adminUser   string
	adminPass   string
	logFile     string
	logDebug    string
}

func parseFlags(args []string) *cliFlags {
	f := &cliFlags{}
	fs := flag.NewFlagSet("pdulink", flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", config.DefaultPath(), "Path to configuration file")
	fs.BoolVar(&f.showVersion, "version", false, "Show version and exit")
	fs.BoolVar(&f.shell, "shell", false, "Run the interactive shell")
	fs.StringVar(&f.namespace, "namespace", "", "Set namespace (saved to config)")
	fs.IntVar(&f.httpPort, "p", 0, "HTTP listen port (overrides config)")
	fs.StringVar(&f.httpHost, "host", "", "HTTP bind address (overrides config)")
	fs.BoolVar(&f.noAPI, "no-api", false, "Disable REST API (ephemeral)")
	fs.IntVar(&f.sshPort, "ssh-port", 0, "Serve the shell over SSH on this port (overrides config)")
	fs.StringVar(&f.adminUser, "admin-user", "", "Create/update admin user (saves to config)")
	fs.StringVar(&f.adminPass, "admin-pass", "", "Password for admin user (saves to config)")
	fs.StringVar(&f.logFile, "log", "", "Path to log file (optional)")
	fs.StringVar(&f.logDebug, "log-debug", "", "Enable debug logging to debug.log")
	fs.Parse(args)
	return f
}

// applyFlags merges command line overrides into cfg. The namespace and
// admin user are persisted to the config file; the rest are in-memory only.
func applyFlags(cfg *config.Config, f *cliFlags) error {
	save := false

	if f.namespace != "" {
		if !config.IsValidNamespace(f.namespace) {
			return fmt.Errorf("invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)", f.namespace)
		}
		cfg.Namespace = f.namespace
		save = true
		fmt.Printf("Namespace set to '%s' and saved to config\n", f.namespace)
	}

	if f.httpPort != 0 {
		cfg.Web.Port = f.httpPort
	}
	if f.httpHost != "" {
		cfg.Web.Host = f.httpHost
	}
	if f.noAPI {
		cfg.Web.API.Enabled = false
		cfg.Web.Enabled = false
	}
	if f.sshPort != 0 {
		cfg.SSH.Enabled = true
		cfg.SSH.Port = f.sshPort
	}

	if f.adminUser != "" {
		if f.adminPass == "" {
			return fmt.Errorf("-admin-user requires -admin-pass")
		}
		hash, err := api.HashPassword(f.adminPass)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		if existing := cfg.FindWebUser(f.adminUser); existing != nil {
			existing.PasswordHash = hash
			existing.Role = config.RoleAdmin
		} else {
			cfg.AddWebUser(config.WebUser{
				Username:     f.adminUser,
				PasswordHash: hash,
				Role:         config.RoleAdmin,
			})
		}
		if cfg.Web.SessionSecret == "" {
			secret := make([]byte, 32)
			rand.Read(secret)
			cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		}
		save = true
		fmt.Printf("Admin user '%s' configured for the REST API\n", f.adminUser)
	}

	if save && f.configPath != "" {
		if err := cfg.Save(f.configPath); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
	}
	return nil
}
