// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the envelopes exchanged between rpc clients and
// workers.
package params

// Request is the body of a call message. The correlation token and reply
// queue travel as message properties, not in the body.
type Request struct {
	Name      string        `bson:"name" json:"name"`
	Arguments []interface{} `bson:"arguments" json:"arguments"`
}

// Response is the body of a reply message. Exactly one of Result and
// Error is meaningful; Error takes precedence when set.
type Response struct {
	Result interface{} `bson:"result,omitempty" json:"result,omitempty"`
	Error  *Error      `bson:"error,omitempty" json:"error,omitempty"`
}

// Error describes a failure raised by a remote procedure.
type Error struct {
	Message string                 `bson:"message" json:"message"`
	Name    string                 `bson:"name,omitempty" json:"name,omitempty"`
	Stack   string                 `bson:"stack,omitempty" json:"stack,omitempty"`
	Info    map[string]interface{} `bson:"info,omitempty" json:"info,omitempty"`
}
