// Package command defines the commands carried in the replicated log and
// their wire encoding.
//
// A Command is a closed tagged variant: Insert, Update and Delete mutate
// state; Get, History and VectorSearch are read-only and are served without
// advancing state. Encoded commands are msgpack envelopes carrying a format
// version and the kind tag, so an unknown kind fails to decode rather than
// being silently ignored.
package command
