// Package policy decides which addresses the relay may contact over HTTP.
//
// Forwarding and remote polls send requests to addresses chosen by browser
// clients, which makes the relay an SSRF primitive unless the targets are
// constrained. TargetPolicy is evaluated before every outbound call.
package policy
