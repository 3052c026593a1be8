// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire defines the JSON messages exchanged over a connection's
// data channel: one request/response pair of tagged variants per
// in-flight call, framed with the numeric id that correlates a reply to
// its request.
package wire

import (
	"github.com/snowycoder/wdht-go/pkg/kademlia/id"
	"github.com/snowycoder/wdht-go/pkg/transport/channel"
)

// RequestKind tags which variant of Request is populated.
type RequestKind string

// The four application request kinds plus the three rendezvous
// primitives that ride the same wire.
const (
	FindNodes    RequestKind = "find_nodes"
	FindData     RequestKind = "find_data"
	Insert       RequestKind = "insert"
	Remove       RequestKind = "remove"
	ForwardOffer RequestKind = "forward_offer"
	TryOffer     RequestKind = "try_offer"
	HalfClose    RequestKind = "half_close"
)

// ResponseKind tags which variant of Response is populated.
type ResponseKind string

const (
	FoundNodes     ResponseKind = "found_nodes"
	FoundData      ResponseKind = "found_data"
	Done           ResponseKind = "done"
	Error          ResponseKind = "error"
	ForwardAnswers ResponseKind = "forward_answers"
	OkAnswer       ResponseKind = "ok_answer"
)

// Entry is one publisher's value, as returned by FindData.
type Entry struct {
	Publisher id.ID  `json:"publisher"`
	Data      []byte `json:"data"`
}

// OfferTo pairs a candidate peer id with the session description that
// should be forwarded to it, used by ForwardOffer.
type OfferTo struct {
	To    id.ID                     `json:"to"`
	Offer channel.SessionDescription `json:"offer"`
}

// AnswerResult is the per-offer outcome of a ForwardOffer request,
// returned inside a ForwardAnswers response: either an answer, or a
// human-readable failure description (the offeree declined, timed out,
// or the offer could not be delivered).
type AnswerResult struct {
	Answer *channel.SessionDescription `json:"answer,omitempty"`
	Error  string                      `json:"error,omitempty"`
}

// Request is one node's call to a peer. Exactly the fields relevant to
// Kind are populated; the rest are left at their zero value.
type Request struct {
	Kind RequestKind `json:"kind"`

	// FindNodes, FindData, Insert, Remove: the topic id being queried,
	// published, or retracted.
	Topic id.ID `json:"topic,omitempty"`

	// FindData: maximum number of entries to return.
	Limit int `json:"limit,omitempty"`

	// Insert: requested lifetime in seconds and the payload.
	LifetimeSeconds uint32 `json:"lifetime_seconds,omitempty"`
	Data            []byte `json:"data,omitempty"`

	// ForwardOffer: the set of (candidate, offer) pairs to relay.
	Offers []OfferTo `json:"offers,omitempty"`

	// TryOffer: the peer proposing the session and its offer.
	From  id.ID                      `json:"from,omitempty"`
	Offer channel.SessionDescription `json:"offer,omitempty"`
}

// Response is a peer's reply to a Request.
type Response struct {
	Kind ResponseKind `json:"kind"`

	// FoundNodes: candidate ids closer to the query target.
	Nodes []id.ID `json:"nodes,omitempty"`

	// FoundData: the stored entries for the queried topic.
	Entries []Entry `json:"entries,omitempty"`

	// Error: a human-readable failure description.
	Message string `json:"message,omitempty"`

	// ForwardAnswers: one result per offer in the originating
	// ForwardOffer request, in the same order.
	Answers []AnswerResult `json:"answers,omitempty"`

	// OkAnswer: the single answer produced for a TryOffer request, or
	// an error description if the peer declined.
	Answer *channel.SessionDescription `json:"answer,omitempty"`
	AnswerError string                 `json:"answer_error,omitempty"`
}

// Frame is the top-level JSON object carried by a data channel message:
// a correlation id plus exactly one of Request or Response.
type Frame struct {
	ID       uint32    `json:"id"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}
