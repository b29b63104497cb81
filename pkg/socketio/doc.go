// Package socketio decodes and encodes the Socket.IO packets that travel
// inside Engine.IO message packets:
//
//	<type>[<attachments>-][<namespace>,][<ack id>][<json data>]
//
// Only what the relay needs is modelled: namespace connects, disconnects and
// events. Binary attachments are recognised but rejected as malformed.
package socketio
