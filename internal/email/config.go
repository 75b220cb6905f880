package email

import "fmt"

// Config holds all email account configurations. It is embedded in the
// top-level daemon config under the "email" YAML key.
type Config struct {
	// Accounts lists the email accounts to connect to at startup.
	Accounts []AccountConfig `yaml:"accounts"`

	// BccOwner is an auto-Bcc address, returned by Manager.BccOwner.
	// No sender in this repository adds it to outgoing messages.
	BccOwner string `yaml:"bcc_owner"`
}

// Configured reports whether at least one account has the minimum
// required IMAP configuration (host and username).
func (c Config) Configured() bool {
	for _, a := range c.Accounts {
		if a.IMAP.Host != "" && a.IMAP.Username != "" {
			return true
		}
	}
	return false
}

// ApplyDefaults fills zero-value fields with sensible defaults.
// Called by the parent config's applyDefaults method.
func (c *Config) ApplyDefaults() {
	for i := range c.Accounts {
		if c.Accounts[i].IMAP.Port == 0 {
			c.Accounts[i].IMAP.Port = 993
		}
		// TLS defaults to true. TLS is a plain bool, so "not set" and
		// "explicitly false" look the same; to keep the config simple we
		// default TLS=true unless the port is 143 (plaintext convention).
		if !c.Accounts[i].IMAP.TLS && c.Accounts[i].IMAP.Port != 143 {
			c.Accounts[i].IMAP.TLS = true
		}

		if c.Accounts[i].SMTP.Host == "" {
			continue
		}
		if c.Accounts[i].SMTP.Port == 0 {
			c.Accounts[i].SMTP.Port = 587
		}
		// StartTLS defaults to true, except for port 465 which is
		// implicit TLS and has no STARTTLS handshake.
		if !c.Accounts[i].SMTP.StartTLS && c.Accounts[i].SMTP.Port != 465 {
			c.Accounts[i].SMTP.StartTLS = true
		}
	}
}

// Validate checks that the email configuration is internally consistent.
// Returns an error describing the first problem found.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("email.accounts[%d].name must not be empty", i)
		}
		if names[a.Name] {
			return fmt.Errorf("email.accounts[%d].name %q is a duplicate", i, a.Name)
		}
		names[a.Name] = true

		if a.IMAP.Host == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.host is required", i, a.Name)
		}
		if a.IMAP.Username == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.username is required", i, a.Name)
		}
		if a.IMAP.Port < 1 || a.IMAP.Port > 65535 {
			return fmt.Errorf("email.accounts[%d] (%s): imap.port %d out of range (1-65535)", i, a.Name, a.IMAP.Port)
		}

		if a.SMTP.Host == "" {
			continue
		}
		if a.SMTP.Username == "" {
			return fmt.Errorf("email.accounts[%d] (%s): smtp.username is required when smtp.host is set", i, a.Name)
		}
		if a.SMTP.Password == "" {
			return fmt.Errorf("email.accounts[%d] (%s): smtp.password is required when smtp.host is set", i, a.Name)
		}
		if a.DefaultFrom == "" {
			return fmt.Errorf("email.accounts[%d] (%s): default_from is required when smtp.host is set", i, a.Name)
		}
		if a.SMTP.Port < 1 || a.SMTP.Port > 65535 {
			return fmt.Errorf("email.accounts[%d] (%s): smtp.port %d out of range (1-65535)", i, a.Name, a.SMTP.Port)
		}
	}
	return nil
}

// AccountConfig describes a single email account: the IMAP connection
// used to pick up mail, and optional SMTP settings. Dispatch, control
// and bounce mail is sent through the deployment-wide SMTP relay in the
// top-level config; nothing in this repository sends through an
// account's own SMTP settings.
type AccountConfig struct {
	// Name is a short identifier used in pkgtasks watch configuration
	// and logging (e.g., "incoming"). Required.
	Name string `yaml:"name"`

	// IMAP configures the IMAP connection for reading email.
	IMAP IMAPConfig `yaml:"imap"`

	// SMTP holds account-specific outbound relay settings. They are
	// validated but not used to send mail.
	SMTP SMTPConfig `yaml:"smtp"`

	// DefaultFrom is the address this account's outbound mail is sent
	// as, and the address PollAccount filters out of inbound results
	// so the dispatch/control engines never loop back on their own
	// mail. Required when SMTP is configured.
	DefaultFrom string `yaml:"default_from"`

	// SentFolder names a folder for copies of sent mail. Nothing in
	// this repository appends messages to it.
	SentFolder string `yaml:"sent_folder"`
}

// SMTPConfigured reports whether this account has its own outbound
// relay configured.
func (a AccountConfig) SMTPConfigured() bool {
	return a.SMTP.Host != "" && a.SMTP.Username != ""
}

// IMAPConfig holds IMAP server connection parameters.
type IMAPConfig struct {
	// Host is the IMAP server hostname (e.g., "imap.gmail.com").
	Host string `yaml:"host"`

	// Port is the IMAP server port. Default: 993 (IMAPS).
	Port int `yaml:"port"`

	// Username is the IMAP login username (typically the email address).
	Username string `yaml:"username"`

	// Password is the IMAP login password. Supports environment variable
	// expansion via the config loader (e.g., ${IMAP_PASSWORD}).
	Password string `yaml:"password"`

	// TLS controls whether to use TLS for the connection. Default: true.
	// Set to false only for port 143 plaintext connections (not recommended).
	TLS bool `yaml:"tls"`
}

// SMTPConfig holds SMTP server connection parameters for an individual
// account's outbound relay.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// StartTLS controls whether to issue STARTTLS after connecting.
	// Default: true, except on port 465 (implicit TLS).
	StartTLS bool `yaml:"starttls"`
}
