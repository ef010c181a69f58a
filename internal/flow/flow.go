// Package flow is the conversation orchestration engine.
//
// Each inbound message is one turn. The Orchestrator loads the user's session,
// tries the synchronous fast-paths (closings, confirm and cancel replies,
// recipe text), classifies the message, routes it through the per-intent
// switchboard and finally falls back to the reasoner. Every irreversible write
// goes through Confirmation: it is proposed as the user's single pending
// action and only committed when a later turn confirms it.
package flow
