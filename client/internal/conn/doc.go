// Package conn is a minimal Socket.IO client over the Engine.IO v4 websocket
// transport. It joins the default namespace, answers server pings and
// surfaces EVENT packets as types.Event values.
package conn
