package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

type commandHandler interface {
	HandleCLICommand(ctx context.Context, command string) string
}

// cliServer answers one command per line on a Unix socket. Commands
// prefixed with “wired” go to the HomeMatic Wired central, all others
// to the BidCoS central.
type cliServer struct {
	bidcos commandHandler
	wired  commandHandler // nil without an RS-485 interface
}

func (s *cliServer) handle(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) > 0 && fields[0] == "wired" {
		if s.wired == nil {
			return "HomeMatic Wired is not enabled.\n"
		}
		return s.wired.HandleCLICommand(ctx, strings.Join(fields[1:], " "))
	}
	out := s.bidcos.HandleCLICommand(ctx, line)
	if len(fields) == 0 || fields[0] == "help" {
		out += "wired COMMAND                              run a HomeMatic Wired command\n"
	}
	return out
}

func (s *cliServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "quit" || line == "exit" {
			return
		}
		if _, err := io.WriteString(conn, s.handle(ctx, line)); err != nil {
			log.Debugf("cli: writing response: %v", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("cli: reading command: %v", err)
	}
}

// listenUnix listens on path, replacing a stale socket of a previous
// run.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// serve accepts connections until ctx is canceled.
func (s *cliServer) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}
