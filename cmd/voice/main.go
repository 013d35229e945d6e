package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nlipchat/voice-relay/internal/config"
	"github.com/nlipchat/voice-relay/internal/nlip"
	"github.com/nlipchat/voice-relay/internal/observability"
	"github.com/nlipchat/voice-relay/internal/recorder"
)

// terminalSink prints transcript updates in place and collects the final
// transcript for submission to the chat endpoint.
type terminalSink struct {
	mu      sync.Mutex
	partial string
	final   strings.Builder
}

func (t *terminalSink) TranscriptUpdate(transcript string, isFinal bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if isFinal {
		t.final.WriteString(transcript)
		t.final.WriteString(" ")
		t.partial = ""
		fmt.Printf("\r\033[K%s\n", transcript)
		return
	}
	t.partial = transcript
	fmt.Printf("\r\033[K… %s", transcript)
}

func (t *terminalSink) StreamError(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Printf("\r\033[K! %s\n", message)
}

func (t *terminalSink) take() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	text := strings.TrimSpace(t.final.String())
	t.final.Reset()
	t.partial = ""
	return text
}

func main() {
	relayURL := flag.String("relay", config.GetEnv("RELAY_URL", "http://localhost:8080"), "voice relay base URL")
	chatURL := flag.String("chat", config.GetEnv("NLIP_ENDPOINT", "http://localhost:8010/nlip"), "chat endpoint base URL")
	device := flag.String("device", "default", "capture device passed to ffmpeg")
	inputFormat := flag.String("input-format", "pulse", "ffmpeg input demuxer (pulse, alsa, avfoundation)")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	observability.InitLogger(*logLevel, true)

	sink := &terminalSink{}
	session := recorder.NewSession(recorder.SessionConfig{
		RelayURL: *relayURL,
		Capture: recorder.CaptureConfig{
			InputFormat: *inputFormat,
			InputDevice: *device,
		},
	}, recorder.NewFFMPEGSource(), sink)

	chat := nlip.NewClient(*chatURL, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Voice chat client. Commands:")
	fmt.Println("  /record       start or stop recording (transcript becomes your message)")
	fmt.Println("  /image <path> send an image")
	fmt.Println("  /quit         exit")
	fmt.Println("Anything else is sent as a text message.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			shutdown(session)
			return

		case line == "/record":
			toggleRecording(ctx, session, sink, chat)

		case strings.HasPrefix(line, "/image "):
			sendImage(ctx, chat, strings.TrimSpace(strings.TrimPrefix(line, "/image ")))

		default:
			sendText(ctx, chat, line)
		}

		if ctx.Err() != nil {
			shutdown(session)
			return
		}
	}

	shutdown(session)
}

func toggleRecording(ctx context.Context, session *recorder.Session, sink *terminalSink, chat *nlip.Client) {
	if session.Recording() {
		if err := session.Stop(ctx); err != nil {
			fmt.Println(recorder.UserMessage(err))
		}
		if text := sink.take(); text != "" {
			sendText(ctx, chat, text)
		} else {
			fmt.Println("(nothing transcribed)")
		}
		return
	}

	if err := session.Start(ctx); err != nil {
		fmt.Println(recorder.UserMessage(err))
		return
	}
	fmt.Println("Recording... type /record again to stop.")
}

func sendText(ctx context.Context, chat *nlip.Client, text string) {
	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	reply, err := chat.SendText(reqCtx, text)
	if err != nil {
		fmt.Printf("Chat request failed: %v\n", err)
		return
	}
	fmt.Println(reply)
}

func sendImage(ctx context.Context, chat *nlip.Client, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("Could not read image: %v\n", err)
		return
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if !nlip.IsValidImageSubformat(ext) {
		fmt.Println("Unsupported image format. Use JPEG, PNG, GIF, or BMP.")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	reply, err := chat.SendImage(reqCtx, "", base64.StdEncoding.EncodeToString(data), "image/"+ext)
	if err != nil {
		fmt.Printf("Chat request failed: %v\n", err)
		return
	}
	fmt.Println(reply)
}

func shutdown(session *recorder.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = session.Stop(ctx)
}
