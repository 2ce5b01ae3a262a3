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

// Package netdriver implements driver.Driver over a websocket connection to
// a remote block server, a small NBD-like protocol: every command's wire
// contract is transport-agnostic, so forwarding it over a socket instead of
// local pread/pwrite needs no change to the driver interface itself.
package netdriver

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/blockstore/command"
	"github.com/mendersoftware/blockstore/driver"
)

// writeTimeout bounds how long a single frame write may block the driver's
// consumer goroutine.
const writeTimeout = 10 * time.Second

// wireRequest is the JSON envelope sent for every command except the track
// payload itself, which follows as a binary frame when present.
type wireRequest struct {
	Tag command.Tag `json:"tag"`
	Pos uint64      `json:"pos"`
	Len int         `json:"len"`
}

// wireResponse is the JSON envelope returned for every command; a
// READ_TRACK response's payload follows as a binary frame.
type wireResponse struct {
	Status int    `json:"status"`
	Size   uint64 `json:"size,omitempty"`
}

// Driver forwards a device's command queue to a remote block server over a
// single websocket connection, serialized: one request in flight at a time,
// matching the FIFO ordering command.Queue already guarantees locally.
type Driver struct {
	conn *websocket.Conn
}

// Dial opens a websocket connection to a remote block server at url (e.g.
// "ws://host:port/blockstore/sdb") and returns a Driver backed by it.
func Dial(url string) (*Driver, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "netdriver: dial %s", url)
	}
	return &Driver{conn: conn}, nil
}

// Close closes the underlying connection.
func (d *Driver) Close() error {
	return d.conn.Close()
}

// Attach dials url and performs a synchronous GET_SIZE round trip to learn
// the remote device's geometry, returning a driver.Driver ready to hand to
// device.New the same way hotplug.LinuxAttacher.Attach returns one for a
// local file: the command queue device.New creates is what subsequent
// commands travel over, not this bootstrap round trip. Block size is fixed
// at 512 bytes; the wire protocol carries no separate block-size field.
func Attach(url string) (driver.Driver, uint32, uint64, error) {
	d, err := Dial(url)
	if err != nil {
		return nil, 0, 0, err
	}

	var size uint64
	status := 0
	cmd := &command.Record{Tag: command.GetSize, Size: &size, Status: &status}
	if err := d.roundTrip(cmd); err != nil {
		d.Close()
		return nil, 0, 0, errors.Wrap(err, "netdriver: attach: get size")
	}
	return d, 512, size, nil
}

// Serve implements driver.Driver: commands are forwarded to the remote
// server one at a time and the server's reply applied to the record before
// PostComplete runs, exactly as drivertest.FakeDriver.Serve does locally.
func (d *Driver) Serve(q *command.Queue) {
	for {
		cmd, ok := q.Pop()
		if !ok {
			return
		}
		if err := d.roundTrip(cmd); err != nil {
			log.Warnf("netdriver: %s at %d: %v", cmd.Tag, cmd.Pos, err)
			if cmd.Status != nil {
				*cmd.Status = 1
			}
		}
		command.PostComplete(cmd)
	}
}

func (d *Driver) roundTrip(cmd *command.Record) error {
	req := wireRequest{Tag: cmd.Tag, Pos: cmd.Pos}
	if cmd.Tag == command.WriteTrack {
		req.Len = len(cmd.Block)
	}

	d.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := d.conn.WriteJSON(req); err != nil {
		return errors.Wrap(err, "write request")
	}
	if cmd.Tag == command.WriteTrack {
		if err := d.conn.WriteMessage(websocket.BinaryMessage, cmd.Block); err != nil {
			return errors.Wrap(err, "write payload")
		}
	}

	_, raw, err := d.conn.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return errors.Wrap(err, "decode response")
	}

	if cmd.Tag == command.ReadTrack {
		_, payload, err := d.conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read payload")
		}
		n := copy(cmd.Block, payload)
		if n < len(cmd.Block) {
			for i := n; i < len(cmd.Block); i++ {
				cmd.Block[i] = 0
			}
		}
	}

	if cmd.Tag == command.GetSize && cmd.Size != nil {
		*cmd.Size = resp.Size
	}
	if cmd.Status != nil {
		*cmd.Status = resp.Status
	}
	return nil
}
