package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Chat transport commands.
const (
	CmdPing    = 0
	CmdConnect = 100
	CmdPong    = 10000
	CmdChat    = 93101
)

// DefaultChatURL is the fixed chat transport endpoint.
const DefaultChatURL = "wss://kr-ss1.chat.naver.com/chat"

type connectBody struct {
	UID      *string `json:"uid"`
	DevType  int     `json:"devType"`
	AccTkn   *string `json:"accTkn"`
	Auth     string  `json:"auth"`
	LibVer   *string `json:"libVer"`
	OsVer    *string `json:"osVer"`
	DevName  *string `json:"devName"`
	Locale   *string `json:"locale"`
	Timezone *string `json:"timezone"`
}

type connectFrame struct {
	Ver   string      `json:"ver"`
	Cmd   int         `json:"cmd"`
	SvcID string      `json:"svcid"`
	CID   string      `json:"cid"`
	TID   int         `json:"tid"`
	Bdy   connectBody `json:"bdy"`
}

// encodeConnect builds the anonymous read-only handshake for a chat channel.
func encodeConnect(chatChannelID string) ([]byte, error) {
	return json.Marshal(connectFrame{
		Ver:   "3",
		Cmd:   CmdConnect,
		SvcID: "game",
		CID:   chatChannelID,
		TID:   1,
		Bdy:   connectBody{DevType: 2001, Auth: "READ"},
	})
}

var (
	keepaliveFrame = []byte(`{"ver":3,"cmd":0}`)
	pongFrame      = []byte(`{"ver":3,"cmd":10000}`)
)

// inboundFrame is the part of a server frame used for dispatch.
type inboundFrame struct {
	Cmd json.RawMessage `json:"cmd"`
	Bdy json.RawMessage `json:"bdy"`
}

// decodeFrame parses a server frame. ok is false when the frame has no integer cmd;
// such frames are ignored. Non-JSON input is an error.
func decodeFrame(data []byte) (cmd int, bdy json.RawMessage, ok bool, err error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return 0, nil, false, fmt.Errorf("decode frame: %w", err)
	}
	raw := bytes.TrimSpace(f.Cmd)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil, false, nil
	}
	n, perr := strconv.Atoi(string(raw))
	if perr != nil {
		return 0, nil, false, nil
	}
	return n, f.Bdy, true, nil
}

type chatEntry struct {
	UID     *string `json:"uid"`
	Msg     string  `json:"msg"`
	MsgTime int64   `json:"msgTime"`
}

// Event is one chat message observed on a session.
type Event struct {
	SessionID     string    `json:"session_id"`
	ChannelID     string    `json:"channel_id"`
	ChatChannelID string    `json:"chat_channel_id"`
	UserID        string    `json:"user_id"`
	Message       string    `json:"message,omitempty"`
	SentAt        time.Time `json:"sent_at,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// chatEntries extracts the entries of a chat batch. A body that is not an array yields
// nothing, and entries without a string uid are skipped.
func chatEntries(bdy json.RawMessage) []chatEntry {
	var items []json.RawMessage
	if err := json.Unmarshal(bdy, &items); err != nil {
		return nil
	}
	out := make([]chatEntry, 0, len(items))
	for _, it := range items {
		var e chatEntry
		if err := json.Unmarshal(it, &e); err != nil || e.UID == nil {
			continue
		}
		out = append(out, e)
	}
	return out
}
