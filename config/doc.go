/*
Package config holds the configuration file definition for smtpsubmit.

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details. The command
"smtpsubmit config describe" prints an empty config file with comments
explaining the fields.

An example for submission with STARTTLS and authentication, reusing connections:

	Host: mail.example.org
	HelloName: host.example.org
	Auth:
		Username: mjl@example.org
		Password: secret
		Mechanisms:
			- SCRAM-SHA-256
	Timeout: 1m
	Pool:
		MaxSize: 4
		IdleTimeout: 1m
	Outbox: outbox.db
	PackageLogLevels:
		smtpclient: trace
*/
package config
