// Command h2echo runs a minimal prior-knowledge HTTP/2 endpoint that
// echoes request bodies back to the caller. It exists to exercise the
// core over a real transport; TLS and ALPN are out of scope.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"example.com/h2core/internal/config"
	"example.com/h2core/internal/http2"
	"example.com/h2core/internal/logger"

	"golang.org/x/net/http2/hpack"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var out io.Writer = os.Stderr
	if cfg.Logging.Target == "stdout" {
		out = os.Stdout
	} else if cfg.Logging.Target != "stderr" {
		f, err := os.OpenFile(cfg.Logging.Target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	log := logger.New(out, logger.ParseLevel(cfg.Logging.LogLevel))

	ln, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		log.Error("listen failed", logger.LogFields{"address": cfg.Server.ListenAddress, "error": err.Error()})
		os.Exit(1)
	}
	log.Info("listening", logger.LogFields{"address": cfg.Server.ListenAddress})

	for {
		nc, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", logger.LogFields{"error": err.Error()})
			os.Exit(1)
		}
		go serveConn(nc, cfg, log)
	}
}

func serveConn(nc net.Conn, cfg *config.Config, log *logger.Logger) {
	defer nc.Close()

	h2 := cfg.Server.HTTP2
	settings := http2.Settings{
		HeaderTableSize:      h2.HeaderTableSize,
		EnablePush:           h2.EnablePush,
		MaxConcurrentStreams: h2.MaxConcurrentStreams,
		InitialWindowSize:    h2.InitialWindowSize,
		MaxFrameSize:         h2.MaxFrameSize,
		MaxHeaderListSize:    h2.MaxHeaderListSize,
	}
	conn := http2.NewServerConn(nc, &http2.Options{
		Settings: &settings,
		Logger:   log,
	})
	if err := conn.Handshake(); err != nil {
		log.Warn("handshake failed", logger.LogFields{"remote": nc.RemoteAddr().String(), "error": err.Error()})
		return
	}

	go func() {
		if err := conn.Serve(); err != nil && !errors.Is(err, io.EOF) {
			log.Warn("connection ended", logger.LogFields{"remote": nc.RemoteAddr().String(), "error": err.Error()})
		}
	}()

	for {
		stream, err := conn.AcceptStream(time.Time{})
		if err != nil {
			return
		}
		go echoStream(stream, log)
	}
}

// echoStream reads the request and answers 200 with the request body
// echoed back.
func echoStream(s *http2.Stream, log *logger.Logger) {
	if _, err := s.GetHeaders(time.Time{}); err != nil {
		return
	}
	var body []byte
	for {
		data, err := s.GetNextChunk(time.Time{})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = s.Shutdown()
			return
		}
		body = append(body, data...)
	}

	resp := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/octet-stream"},
	}
	if err := s.SendHeaders(resp, len(body) == 0); err != nil {
		log.Warn("sending response headers failed", logger.LogFields{"stream_id": s.ID(), "error": err.Error()})
		return
	}
	if len(body) > 0 {
		if _, err := s.WriteData(body, true, time.Time{}); err != nil {
			log.Warn("sending response body failed", logger.LogFields{"stream_id": s.ID(), "error": err.Error()})
		}
	}
}
