// Command abyssctl is a thin client for abyssd's admin control socket: it
// encodes one request, sends it, and prints the decoded response.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rootacite/abyss/internal/adminsocket"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		handleInit(os.Args[2:])
	case "useradd":
		handleUserAdd(os.Args[2:])
	case "include":
		handleInclude(os.Args[2:])
	case "chmod":
		handleChmod(os.Args[2:])
	case "ls":
		handleList(os.Args[2:])
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: abyssctl <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init                                bootstrap root user and reserved directories")
	fmt.Println("  useradd <username> <privilege>      create a user, printing its private key")
	fmt.Println("  include <path> <owner> <recursive>  attach a resource attribute")
	fmt.Println("  chmod <path> <permission> <recursive>  change a resource's permission triplet")
	fmt.Println("  ls <path>                           list a directory's rendered attributes")
	fmt.Println()
	fmt.Println("All commands take -socket to override the admin socket path (default /tmp/abyss-ctl.sock).")
}

func handleInit(args []string) {
	flags := flag.NewFlagSet("init", flag.ExitOnError)
	socket := flags.String("socket", "/tmp/abyss-ctl.sock", "admin socket path")
	flags.Parse(args)

	resp := send(*socket, adminsocket.Request{Head: adminsocket.HeadInit})
	printResponse(resp)
}

func handleUserAdd(args []string) {
	flags := flag.NewFlagSet("useradd", flag.ExitOnError)
	socket := flags.String("socket", "/tmp/abyss-ctl.sock", "admin socket path")
	flags.Parse(args)
	rest := flags.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: abyssctl useradd <username> <privilege>")
		os.Exit(1)
	}
	if _, err := strconv.Atoi(rest[1]); err != nil {
		fmt.Fprintf(os.Stderr, "invalid privilege %q: %v\n", rest[1], err)
		os.Exit(1)
	}

	resp := send(*socket, adminsocket.Request{Head: adminsocket.HeadUserAdd, Params: rest[:2]})
	printResponse(resp)
}

func handleInclude(args []string) {
	flags := flag.NewFlagSet("include", flag.ExitOnError)
	socket := flags.String("socket", "/tmp/abyss-ctl.sock", "admin socket path")
	flags.Parse(args)
	rest := flags.Args()
	if len(rest) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: abyssctl include <path> <owner_uid> <recursive:true|false>")
		os.Exit(1)
	}

	resp := send(*socket, adminsocket.Request{Head: adminsocket.HeadInclude, Params: rest[:3]})
	printResponse(resp)
}

func handleChmod(args []string) {
	flags := flag.NewFlagSet("chmod", flag.ExitOnError)
	socket := flags.String("socket", "/tmp/abyss-ctl.sock", "admin socket path")
	flags.Parse(args)
	rest := flags.Args()
	if len(rest) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: abyssctl chmod <path> <permission> <recursive:true|false>")
		os.Exit(1)
	}

	resp := send(*socket, adminsocket.Request{Head: adminsocket.HeadChmod, Params: rest[:3]})
	printResponse(resp)
}

func handleList(args []string) {
	flags := flag.NewFlagSet("ls", flag.ExitOnError)
	socket := flags.String("socket", "/tmp/abyss-ctl.sock", "admin socket path")
	flags.Parse(args)
	rest := flags.Args()
	path := ""
	if len(rest) > 0 {
		path = rest[0]
	}

	resp := send(*socket, adminsocket.Request{Head: adminsocket.HeadList, Params: []string{path}})
	printResponse(resp)
}

func send(socketPath string, req adminsocket.Request) adminsocket.Response {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", socketPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	encoded, err := adminsocket.EncodeRequest(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		os.Exit(1)
	}
	if _, err := conn.Write(append(encoded, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "write request: %v\n", err)
		os.Exit(1)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		os.Exit(1)
	}
	resp, err := adminsocket.DecodeResponse(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	return resp
}

func printResponse(resp adminsocket.Response) {
	if resp.Head != 200 {
		fmt.Fprintf(os.Stderr, "error (head %d): %v\n", resp.Head, resp.Params)
		os.Exit(1)
	}
	for _, p := range resp.Params {
		fmt.Println(p)
	}
}
