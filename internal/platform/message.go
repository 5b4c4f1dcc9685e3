// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

// Package platform implements the client side of the distribution
// platform protocol: a connection with a single background event pump
// that delivers asynchronous responses to waiting callers.
package platform

import (
	"encoding/base64"
	"strconv"

	"github.com/oklog/ulid/v2"
)

// MsgType identifies a protocol exchange. Requests and their responses
// share a type; direction is implicit in who sent the frame.
type MsgType string

// Protocol message types.
const (
	MsgLogOn            MsgType = "logon"
	MsgBeginAuthSession MsgType = "begin_auth_session"
	MsgPollAuthSession  MsgType = "poll_auth_session"
	MsgAppTicket        MsgType = "app_ticket"
	MsgOwnership        MsgType = "ownership"
	MsgAccessToken      MsgType = "access_token"
	MsgProductInfo      MsgType = "product_info"
	MsgDepotKey         MsgType = "depot_key"
	MsgCDNServers       MsgType = "cdn_servers"
	MsgRequestCode      MsgType = "manifest_request_code"
)

// Result is the platform's result code for a response.
type Result int

// Result codes used by the platform.
const (
	ResultInvalid         Result = 0
	ResultOK              Result = 1
	ResultFail            Result = 2
	ResultNoConnection    Result = 3
	ResultInvalidPassword Result = 5
	ResultAccessDenied    Result = 15
	ResultTimeout         Result = 16
	ResultTryAnotherCM    Result = 48
)

// String returns a short name for logging and error context.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultFail:
		return "Fail"
	case ResultNoConnection:
		return "NoConnection"
	case ResultInvalidPassword:
		return "InvalidPassword"
	case ResultAccessDenied:
		return "AccessDenied"
	case ResultTimeout:
		return "Timeout"
	case ResultTryAnotherCM:
		return "TryAnotherCM"
	default:
		return "Result(" + strconv.Itoa(int(r)) + ")"
	}
}

// Message is one protocol frame. Data carries the typed payload as a
// loose key/value document; accessors below tolerate the numeric and
// string encodings different platform schema versions emit.
type Message struct {
	Type   MsgType        `json:"type"`
	JobID  ulid.ULID      `json:"job_id,omitzero"`
	Result Result         `json:"result,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Str returns the string value at key, or "".
func (m Message) Str(key string) string {
	s, _ := m.Data[key].(string)
	return s
}

// Uint64 returns the numeric value at key, tolerating JSON numbers,
// integers, and decimal strings. Returns 0 when absent or unparsable.
func (m Message) Uint64(key string) uint64 {
	switch v := m.Data[key].(type) {
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case int:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case uint64:
		return v
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Bytes returns the base64-decoded value at key, or nil.
func (m Message) Bytes(key string) []byte {
	s, ok := m.Data[key].(string)
	if !ok {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// Map returns the nested document at key, or nil.
func (m Message) Map(key string) map[string]any {
	mm, _ := m.Data[key].(map[string]any)
	return mm
}

// EncodeBytes encodes raw bytes for a Data field.
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// LogOnDetails carries the credentials for a token logon.
type LogOnDetails struct {
	Username     string
	RefreshToken string
}
