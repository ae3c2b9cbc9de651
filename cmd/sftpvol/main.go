// sftpvol mounts a remote directory over SFTP.
//
// Sub-commands:
//
//	sftpvol mount [flags] URL MOUNTPOINT   Mount sftp://[user@]host[:port]/path?options
//	sftpvol check [flags] URL              Connect once and verify the remote directory
//	sftpvol version                        Print the version
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "mount":
		return cmdMount(args[1:])
	case "check":
		return cmdCheck(args[1:])
	case "version", "-version", "--version":
		fmt.Printf("sftpvol %s\n", version)
		return exitOK
	case "help", "-h", "-help", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  sftpvol mount [flags] URL MOUNTPOINT
  sftpvol check [flags] URL
  sftpvol version

URL has the form sftp://[user@]host[:port]/path?key=value&...
Run "sftpvol mount -h" for the list of flags.
`)
}
