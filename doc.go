/*
Command selfmail executes mutations on mail accounts: copying and moving
messages between mailboxes, and appending new messages.

  - Mutations are atomic: all messages are copied, or none.
  - Attachments are stored once per account, with reference counts.
  - Account and domain storage limits are checked before and after mutations.
  - Concurrent mutations on an account are serialized with file locks, also
    across processes.
  - Sessions of the account are notified of changes, also in other processes.
  - Mutations can be handled by a pool of workers, each authoritative for a
    part of the accounts.

# Commands

	selfmail [-config config/selfmail.conf] [-loglevel level] ...
	selfmail serve
	selfmail copy [-uids set] [-locale locale] account source destination
	selfmail move [-uids set] [-locale locale] account source destination
	selfmail append [-flags flags] [-keywords keywords] [-received time] account mailbox <message
	selfmail expunge -uids set account mailbox
	selfmail mailbox list account
	selfmail mailbox create [-use special-use] account mailbox
	selfmail mailbox retention account mailbox [duration]
	selfmail usage [-refresh] [-domain domain] [account ...]
	selfmail verify [account ...]
	selfmail expire [account ...]
	selfmail config test
	selfmail config describe >selfmail.conf
	selfmail config worker account ...
	selfmail loglevels
	selfmail help [command ...]
	selfmail version

Many commands talk to account databases directly, next to a running "selfmail
serve". Account locks are file locks, so mutations from commands and servers
don't interleave.

# selfmail serve

Start selfmail, serving the worker API and metrics.

	usage: selfmail serve

# selfmail copy

Copy messages from mailbox source to destination.

The set of UIDs is a comma-separated list of UIDs and ranges, e.g.
"5,7:9,100:*". By default all messages are copied. The destination mailbox must
exist. The new UIDs are printed as "source-uid destination-uid" lines.

	usage: selfmail copy [-uids set] [-locale locale] account source destination
	  -locale string
	    	language for error messages, e.g. de
	  -uids string
	    	set of uids to copy

# selfmail move

Move messages from mailbox source to destination.

	usage: selfmail move [-uids set] [-locale locale] account source destination

# selfmail append

Add a message read from stdin to a mailbox.

	usage: selfmail append [-flags flags] [-keywords keywords] [-received time] account mailbox <message

# selfmail usage

Print message storage usage of accounts and their limits.

	usage: selfmail usage [-refresh] [-domain domain] [account ...]
	  -refresh
	    	recalculate usage before printing

# selfmail verify

Verify the databases and attachment files of accounts.

	usage: selfmail verify [account ...]
*/
package main

