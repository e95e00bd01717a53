package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/formula-consult/internal/consult"
	"github.com/ashureev/formula-consult/internal/conversation"
)

const chatHelp = `commands:
  /new            start a new consultation
  /sessions       list consultations
  /select <id>    open a consultation
  /delete <id>    delete a consultation
  /stop           stop the current reply
  /quit           leave`

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive consultation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), a.ctrl, os.Stdin, cmd.OutOrStdout())
		},
	}
}

// chatSession is the interactive loop. Input is read on its own goroutine so
// /stop works while a reply is streaming.
type chatSession struct {
	ctrl    *consult.Controller
	out     io.Writer
	printer *streamPrinter

	// turnDone is non-nil while a turn is in flight.
	turnDone chan error
}

func runChat(ctx context.Context, ctrl *consult.Controller, in io.Reader, out io.Writer) error {
	s := &chatSession{
		ctrl:    ctrl,
		out:     out,
		printer: newStreamPrinter(out),
	}

	if err := ctrl.LoadHistory(ctx); err != nil {
		fmt.Fprintln(out, styleError.Render("could not load previous consultations: "+err.Error()))
	}
	v := ctrl.View()
	if len(v.Messages) > 0 {
		fmt.Fprintln(out, styleStatus.Render("resuming "+v.SessionID))
		printTranscript(out, v.Messages)
	}
	fmt.Fprintln(out, styleStatus.Render("type a message, or /help"))

	unsubscribe := ctrl.Subscribe(s.printer.update)
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			ctrl.Cancel()
			s.waitTurn()
			return nil
		case err := <-s.turnDone:
			s.turnDone = nil
			s.report(err)
		case line, ok := <-lines:
			if !ok {
				s.waitTurn()
				return nil
			}
			if quit := s.handle(ctx, strings.TrimSpace(line)); quit {
				ctrl.Cancel()
				s.waitTurn()
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (s *chatSession) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		s.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(s.out, chatHelp)
	case "/stop":
		if !s.ctrl.Cancel() {
			fmt.Fprintln(s.out, styleStatus.Render("nothing to stop"))
		}
	case "/new":
		s.ctrl.StartNew()
		s.detach()
		fmt.Fprintln(s.out, styleStatus.Render("started a new consultation"))
	case "/sessions":
		v := s.ctrl.View()
		printSessions(s.out, v.Sessions, v.SessionID)
	case "/select":
		if arg == "" {
			s.fail(errors.New("usage: /select <id>"))
			break
		}
		if err := s.ctrl.SelectSession(arg); err != nil {
			s.fail(err)
			break
		}
		printTranscript(s.out, s.ctrl.View().Messages)
	case "/delete":
		if arg == "" {
			s.fail(errors.New("usage: /delete <id>"))
			break
		}
		if err := s.ctrl.DeleteSession(ctx, arg); err != nil {
			s.fail(err)
			break
		}
		s.detach()
		fmt.Fprintln(s.out, styleStatus.Render("deleted "+arg))
	default:
		// Unknown slash commands are sent as ordinary text.
		s.send(ctx, line)
	}
	return false
}

func (s *chatSession) send(ctx context.Context, text string) {
	if s.turnDone != nil {
		fmt.Fprintln(s.out, styleStatus.Render("still replying, wait or /stop"))
		return
	}
	s.printer.begin(len(s.ctrl.View().Messages) + 1)
	done := make(chan error, 1)
	s.turnDone = done
	go func() {
		done <- s.ctrl.Send(ctx, text)
	}()
}

// detach forgets a turn the controller has detached, so the next message can be
// sent at once. The orphaned Send finishes on its own.
func (s *chatSession) detach() {
	if s.turnDone != nil && !s.ctrl.View().Streaming {
		s.turnDone = nil
	}
}

func (s *chatSession) waitTurn() {
	if s.turnDone == nil {
		return
	}
	s.report(<-s.turnDone)
	s.turnDone = nil
}

// report prints the outcome of a finished turn.
func (s *chatSession) report(err error) {
	var turnErr *consult.TurnError
	switch {
	case err == nil:
		if last, ok := s.ctrl.View().Last(); ok && last.HasFormula() {
			printFormula(s.out, last.Formula)
		}
	case errors.As(err, &turnErr):
		printNotice(s.out, &conversation.Notice{Kind: turnErr.Kind, Text: turnErr.Text})
	case errors.Is(err, consult.ErrTurnDetached):
		// The conversation moved on; nothing to show.
	default:
		s.fail(err)
	}
}

func (s *chatSession) fail(err error) {
	fmt.Fprintln(s.out, styleError.Render(err.Error()))
}
