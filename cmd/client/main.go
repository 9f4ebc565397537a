// Command client is a manual test tool for the speech service. It uploads
// audio files to the batch endpoints or streams them over the WebSocket
// transports in frame-sized chunks.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/propeluphigh/mend-server/internal/audio"
	"github.com/propeluphigh/mend-server/internal/protocol"
)

func main() {
	serverAddr := flag.String("server", "http://localhost:8080", "Server base URL")
	profileName := flag.String("profile", "", "Profile name (enroll mode)")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(1)
	}

	command, path := args[0], args[1]

	var err error
	switch command {
	case "enroll":
		if *profileName == "" {
			fmt.Fprintln(os.Stderr, "enroll requires -profile")
			os.Exit(1)
		}
		err = runEnroll(*serverAddr, *profileName, path)
	case "transcribe":
		err = runTranscribe(*serverAddr, path)
	case "stream":
		err = runStream(*serverAddr, path)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: client [-server URL] [-profile NAME] <enroll|transcribe|stream> <audio-file>")
	fmt.Fprintln(os.Stderr, "  audio-file: 16 kHz mono 16-bit WAV, or raw PCM in the same format")
}

// runEnroll uploads an audio file to POST /enroll
func runEnroll(server, profileName, path string) error {
	resp, err := uploadAudio(server+"/enroll?profile_name="+profileName, path)
	if err != nil {
		return err
	}
	fmt.Println(resp)
	return nil
}

// runTranscribe uploads an audio file to POST /transcribe
func runTranscribe(server, path string) error {
	resp, err := uploadAudio(server+"/transcribe", path)
	if err != nil {
		return err
	}
	fmt.Println(resp)
	return nil
}

// uploadAudio posts the file as the multipart "audio" field
func uploadAudio(url, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", path)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned %s: %s", resp.Status, body)
	}

	return string(body), nil
}

// runStream sends the file over the /stream WebSocket in frame-sized
// chunks, printing each transcript delta as it arrives.
func runStream(server, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	pcm, err := audio.ExtractPCM(data)
	if err != nil {
		return fmt.Errorf("unsupported audio file: %w", err)
	}

	wsURL := "ws" + server[len("http"):] + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	fmt.Printf("Streaming %d bytes in %d-byte chunks...\n", len(pcm), audio.FrameBytes)

	for off := 0; off < len(pcm); off += audio.FrameBytes {
		end := off + audio.FrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}

		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var delta protocol.TranscriptDelta
		if err := json.Unmarshal(msg, &delta); err == nil && delta.Transcript != "" {
			fmt.Printf("delta: %s\n", delta.Transcript)
		}
	}

	// Signal end of audio and collect the final transcript.
	deadline := time.Now().Add(5 * time.Second)
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}

	conn.SetReadDeadline(deadline)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		var delta protocol.TranscriptDelta
		if err := json.Unmarshal(msg, &delta); err == nil {
			fmt.Printf("final: %s\n", delta.Transcript)
		}
	}
}
