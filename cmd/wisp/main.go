package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"wisp/internal/hub"
	"wisp/internal/profile"
)

func main() {
	hubAddr := flag.String("hub", "127.0.0.1:7420", "hub address")
	username := flag.String("user", "", "profile username")
	profileFile := flag.String("profile", "", "override profile path")
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: wisp -user <name> [-hub addr]")
		os.Exit(1)
	}

	prof, err := login(*username, *profileFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "login failed:", err)
		os.Exit(1)
	}

	client, err := hub.Dial(*hubAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot reach hub:", err)
		os.Exit(1)
	}
	defer client.Close()

	app := &App{
		client:  client,
		profile: prof,
		out:     os.Stdout,
	}
	fmt.Printf("connected to %s as %s (%s)\n", *hubAddr, prof.Username, prof.UserID)
	fmt.Println(`type "help" for commands`)
	app.repl(bufio.NewScanner(os.Stdin))
}

// login loads the profile, creating it on first use.
func login(username, pathOverride string) (*profile.Profile, error) {
	pass, err := readPassword("password for " + username + ": ")
	if err != nil {
		return nil, err
	}
	prof, err := profile.Load(username, pass, pathOverride)
	if err == nil {
		return prof, nil
	}
	if !errors.Is(err, profile.ErrProfileNotFound) {
		return nil, err
	}
	fmt.Println("no profile found, creating one")
	confirm, err := readPassword("confirm password: ")
	if err != nil {
		return nil, err
	}
	if confirm != pass {
		return nil, errors.New("passwords do not match")
	}
	return profile.Generate(username, pass, pathOverride)
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		return string(raw), err
	}
	// piped input (tests, scripts)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	return strings.TrimSpace(line), err
}
