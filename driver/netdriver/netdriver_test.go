// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package netdriver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/blockstore/command"
)

// fakeServer is a minimal remote block server speaking the same wire
// protocol Driver.roundTrip expects, backed by an in-memory image.
func fakeServer(t *testing.T, image []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wireRequest
			require.NoError(t, json.Unmarshal(raw, &req))

			switch req.Tag {
			case command.WriteTrack:
				_, payload, err := conn.ReadMessage()
				require.NoError(t, err)
				copy(image[req.Pos:], payload)
				conn.WriteJSON(wireResponse{Status: 0})

			case command.ReadTrack:
				conn.WriteJSON(wireResponse{Status: 0})
				conn.WriteMessage(websocket.BinaryMessage, image[req.Pos:req.Pos+32*1024])

			case command.GetSize:
				conn.WriteJSON(wireResponse{Status: 0, Size: uint64(len(image))})
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestRoundTripReadWrite(t *testing.T) {
	image := make([]byte, 64*1024)
	srv := fakeServer(t, image)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	d, err := Dial(url)
	require.NoError(t, err)
	defer d.Close()

	q := command.NewQueue()
	go d.Serve(q)
	defer q.Close()

	payload := make([]byte, 32*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	status := 0
	write := &command.Record{Tag: command.WriteTrack, Block: payload, Pos: 0, Done: make(chan struct{}), Status: &status}
	q.Push(write)
	<-write.Done
	require.Equal(t, 0, status)

	readBuf := make([]byte, 32*1024)
	read := &command.Record{Tag: command.ReadTrack, Block: readBuf, Pos: 0, Done: make(chan struct{}), Status: &status}
	q.Push(read)
	<-read.Done
	require.Equal(t, 0, status)
	require.Equal(t, payload, readBuf)

	var size uint64
	sizeCmd := &command.Record{Tag: command.GetSize, Size: &size, Done: make(chan struct{}), Status: &status}
	q.Push(sizeCmd)
	<-sizeCmd.Done
	require.EqualValues(t, len(image), size)
}
