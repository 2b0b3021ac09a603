// # Go Client Package for the Retell Realtime Call API
//
// This repository provides a Go package for applications that run real-time voice calls against Retell conversational agents. It owns a single call client for the process lifetime, fetches short-lived call tokens from your backend, and exposes the call and transcript state types your UI layer consumes.
package retell
