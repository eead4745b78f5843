// Package wss implements a lightweight WebSocket server: a TCP listener
// with the RFC 6455 HTTP/1.1 upgrade handshake, an accept/reject upgrade
// context handed to an application callback, and a per-connection stream
// of whole messages backed by pooled buffers.
//
// The server owns the listener and the handshake; WebSocket frame
// encoding and decoding is delegated to github.com/gobwas/ws.
//
// A minimal echo server:
//
//	srv := &wss.Server{BindPort: 8080}
//	err := srv.Start(func(ctx context.Context, u *wss.UpgradeContext) error {
//		conn, err := u.Accept()
//		if err != nil {
//			return err
//		}
//		for msg := range conn.Messages(ctx) {
//			if msg.Kind() == wss.TextMessage {
//				if err := conn.SendText(msg.String()); err != nil {
//					return err
//				}
//			}
//		}
//		return nil
//	})
//
// Message views returned by the sequence are only valid within the loop
// body that produced them; the backing buffers are recycled as soon as
// the body returns.
package wss
