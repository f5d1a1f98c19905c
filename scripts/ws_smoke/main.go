// Smoke test for the relay socket: dials, sends one message and waits for
// the correlated response. Run it against a dev relay before pointing the
// client at it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/edline/chatsync/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "relay WebSocket address")
	token := flag.String("token", "", "bearer token")
	course := flag.String("course", "smoke-course", "course conversation ID")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}
	conn, _, err := websocket.Dial(ctx, *addr, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	payload, err := json.Marshal(proto.SendMessageData{
		CourseID:    *course,
		ChannelType: "live-chat",
		Message:     *text,
	})
	if err != nil {
		return fmt.Errorf("marshal sendMessage: %w", err)
	}
	req := proto.Frame{
		Type:  proto.FrameRequest,
		ID:    "smoke-1",
		Event: proto.EventSendMessage,
		Data:  payload,
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		fmt.Printf("Received frame: type=%s", frame.Type)
		if frame.Event != "" {
			fmt.Printf(" event=%s", frame.Event)
		}
		fmt.Println()

		if frame.Error != nil {
			return fmt.Errorf("relay error: %s (%s)", frame.Error.Msg, frame.Error.Code)
		}

		switch frame.Type {
		case proto.FrameResponse:
			if frame.ID != req.ID {
				fmt.Printf("Unmatched response id=%s\n", frame.ID)
				continue
			}
			var record proto.Communication
			if err := json.Unmarshal(frame.Data, &record); err != nil {
				fmt.Printf("Raw data: %s\n", string(frame.Data))
				return fmt.Errorf("unmarshal response: %w", err)
			}
			fmt.Printf("Confirmed: id=%s course=%s status=%s\n", record.ID, record.CourseID, record.Status)
			return nil
		case proto.FramePush:
			fmt.Printf("Push data: %s\n", string(frame.Data))
		default:
			// keep looping for the response
		}
	}
}
