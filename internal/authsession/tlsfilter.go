// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package authsession

import "crypto/tls"

// TLSFilter adapts a *tls.Conn to Filter. It is the stock transport-upgrade
// implementation: a Context that negotiates TLS during authentication
// installs one of these once the authentication response has drained.
type TLSFilter struct {
	conn *tls.Conn
}

// NewTLSFilter wraps an already-handshaking or already-established
// *tls.Conn.
func NewTLSFilter(conn *tls.Conn) *TLSFilter {
	return &TLSFilter{conn: conn}
}

func (f *TLSFilter) Read(p []byte) (int, error)  { return f.conn.Read(p) }
func (f *TLSFilter) Write(p []byte) (int, error) { return f.conn.Write(p) }

// Shutdown sends close_notify without closing the underlying net.Conn, so
// the connection state machine can keep using the raw socket afterward
// (e.g. to resume cleartext, or to install a fresh filter on
// reauthentication).
func (f *TLSFilter) Shutdown() error {
	return f.conn.CloseWrite()
}
