package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// stdioPrompter answers prompt steps from the terminal. Reads happen on a
// goroutine so a cancelled run does not stay blocked on stdin.
type stdioPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *stdioPrompter) Confirm(ctx context.Context, message string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	answer, err := p.ask(ctx, fmt.Sprintf("%s [%s]: ", message, hint))
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (p *stdioPrompter) Input(ctx context.Context, message, def string) (string, error) {
	prompt := message
	if def != "" {
		prompt = fmt.Sprintf("%s [%s]", message, def)
	}
	answer, err := p.ask(ctx, prompt+": ")
	if err != nil {
		return "", err
	}
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

func (p *stdioPrompter) Choice(ctx context.Context, message string, choices []string, def string) (string, error) {
	fmt.Fprintln(p.out, message)
	for i, c := range choices {
		marker := " "
		if c == def {
			marker = "*"
		}
		fmt.Fprintf(p.out, "%s %d) %s\n", marker, i+1, c)
	}
	answer, err := p.ask(ctx, "choice: ")
	if err != nil {
		return "", err
	}
	if answer == "" {
		return def, nil
	}
	if n, convErr := strconv.Atoi(answer); convErr == nil && n >= 1 && n <= len(choices) {
		return choices[n-1], nil
	}
	// The executor validates the raw answer against the declared choices.
	return answer, nil
}

func (p *stdioPrompter) ask(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)

	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		text, err := p.in.ReadString('\n')
		ch <- line{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l := <-ch:
		if l.err != nil && l.text == "" {
			return "", l.err
		}
		return strings.TrimSpace(l.text), nil
	}
}
