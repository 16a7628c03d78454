// Package protocol encodes and decodes the binary relay messages exchanged
// over a websocket connection, one message per frame.
//
// Wire format:
//
//	message := varuint(kind) , body
//	kind 0 (sync):      body := varuint(subkind) , varuint(len) , bytes[len]
//	                      subkind 0 step1  (payload is a state vector)
//	                      subkind 1 step2  (payload is an update)
//	                      subkind 2 update (payload is an update, rebroadcast)
//	kind 1 (awareness): body := varuint(len) , bytes[len]
//
// Encoders always emit the length-prefixed form. DecodeLenient additionally
// accepts frames whose payload runs to the end of the frame without a length
// prefix.
package protocol
