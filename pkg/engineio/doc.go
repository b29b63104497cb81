// Package engineio encodes and decodes Engine.IO packets and polling payloads.
//
// Protocol revisions 3 and 4 are supported. They share the packet format
// (a type digit followed by data) and differ in polling payload framing:
//
//	v4: packets joined by the record separator 0x1e
//	v3: each packet prefixed with "<utf16 length>:"
//
// Binary packets travel as "b<base64>" in polling payloads and decode to
// message packets with Binary set.
package engineio
