// Command authctl is a thin CLI client for the authd IPC socket. It sends
// exactly one command line, prints whatever single response line comes
// back, and exits — it owns no state of its own.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const sockLeaf = "authd.sock"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "authctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("authctl", flag.ContinueOnError)
	cacheDir := fs.String("cache-dir", os.Getenv("AUTHD_CACHE_DIR"), "authd cache directory (defaults to $AUTHD_CACHE_DIR)")
	withURL := fs.Bool("url", false, "for refresh/showtoken, ask the daemon to include the pending authorization URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: authctl [-cache-dir DIR] [-url] <reload|refresh NAME|showtoken NAME|shutdown>")
	}
	if *cacheDir == "" {
		return fmt.Errorf("cache directory not set: pass -cache-dir or set AUTHD_CACHE_DIR")
	}

	cmd, err := buildCommand(*withURL, rest)
	if err != nil {
		return err
	}

	sockPath := filepath.Join(*cacheDir, sockLeaf)
	resp, err := send(sockPath, cmd)
	if err != nil {
		return err
	}
	fmt.Println(resp)
	if strings.HasPrefix(resp, "error:") {
		os.Exit(1)
	}
	return nil
}

func buildCommand(withURL bool, args []string) (string, error) {
	urlFlag := "nourl"
	if withURL {
		urlFlag = "withurl"
	}

	switch args[0] {
	case "reload", "shutdown":
		if len(args) != 1 {
			return "", fmt.Errorf("%s takes no arguments", args[0])
		}
		return args[0], nil
	case "refresh", "showtoken":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: authctl %s NAME", args[0])
		}
		return fmt.Sprintf("%s %s %s", args[0], urlFlag, args[1]), nil
	default:
		return "", fmt.Errorf("unknown command %q", args[0])
	}
}

func send(sockPath, cmd string) (string, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return "", fmt.Errorf("connecting to %q: %w", sockPath, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("writing command: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return string(buf), nil
}
