// ABOUTME: Sendspin wire protocol package
// ABOUTME: Defines JSON control messages and binary data frames
// Package protocol implements the Sendspin wire protocol.
//
// Control traffic is JSON text messages of the form {"type", "payload"}.
// Audio arrives as binary data frames carrying a sequence number, a
// presentation timestamp and the session they belong to.
//
// Example:
//
//	env, err := protocol.Parse(data)
//	var hello protocol.ServerHello
//	err = env.Decode(&hello)
//
//	frame, err := protocol.DecodeFrame(binaryData)
package protocol
