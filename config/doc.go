/*
Package config holds the configuration file definitions.

Selfmail uses a single config file, selfmail.conf. It is read at startup and
not reloaded while running. Print an annotated empty config file with:

	selfmail config describe >selfmail.conf

And check a config file with:

	selfmail config test

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# Example

A minimal config with one domain and two accounts:

	DataDir: ../data
	LogLevel: info
	QuotaMessageSize: 1073741824
	Lock:
		Timeout: 10s
	Domains:
		example.org:
			QuotaMessageSize: 10737418240
	Accounts:
		mjl:
			Domain: example.org
			Locale: de
			Retention:
				Trash: 720h
		other:
			Domain: example.org
			QuotaMessageSize: -1
*/
package config
