// Package transport defines the proximity transport consumed by the SOS
// mesh: discovery and advertising primitives plus connection-oriented,
// best-effort byte delivery between endpoints.
//
// Transports report everything through handler callbacks which may run on
// transport goroutines. Handlers must not block for long.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when sending to an endpoint without an
	// established connection.
	ErrNotConnected = errors.New("transport: endpoint not connected")
	// ErrUnknownEndpoint is returned for endpoints the transport has never
	// discovered or heard from.
	ErrUnknownEndpoint = errors.New("transport: unknown endpoint")
	// ErrStopped is returned when the transport has been stopped.
	ErrStopped = errors.New("transport: stopped")
	// ErrRejected is reported as a connection result when the remote side
	// refused or abandoned the handshake.
	ErrRejected = errors.New("transport: connection rejected")
)

// EndpointInfo describes a discovered endpoint.
type EndpointInfo struct {
	// Name is the name the endpoint advertises under.
	Name string
	// ServiceID is the service tag the endpoint advertises.
	ServiceID string
}

// ConnectionInfo describes a connection handshake in progress.
type ConnectionInfo struct {
	// EndpointName is the remote side's advertised name.
	EndpointName string
	// Incoming is true when the remote side initiated the connection.
	Incoming bool
}

// DiscoveryHandler receives discovery events.
type DiscoveryHandler struct {
	OnEndpointFound func(endpoint string, info EndpointInfo)
	OnEndpointLost  func(endpoint string)
}

// ConnectionHandler receives connection lifecycle events for one side of a
// handshake. A handshake completes with OnConnectionResult(endpoint, nil)
// once both sides have accepted.
type ConnectionHandler struct {
	OnConnectionInitiated func(endpoint string, info ConnectionInfo)
	OnConnectionResult    func(endpoint string, err error)
	OnDisconnected        func(endpoint string)
}

// PayloadHandler is called with every payload received from an endpoint.
type PayloadHandler func(endpoint string, data []byte)

// Transport is a proximity-based, connection-oriented byte transport.
type Transport interface {
	// StartAdvertising makes this device discoverable under localName.
	// Inbound handshakes are reported through h.
	StartAdvertising(ctx context.Context, localName, serviceID string, h ConnectionHandler) error

	// StartDiscovery reports endpoints advertising serviceID through h.
	StartDiscovery(ctx context.Context, serviceID string, h DiscoveryHandler) error

	// StopAll halts advertising and discovery and closes every connection.
	StopAll()

	// RequestConnection starts a handshake with a discovered endpoint.
	RequestConnection(ctx context.Context, localName, endpoint string, h ConnectionHandler) error

	// AcceptConnection accepts a handshake reported through
	// OnConnectionInitiated. Payloads from the endpoint go to onPayload.
	AcceptConnection(ctx context.Context, endpoint string, onPayload PayloadHandler) error

	// Send delivers data to a connected endpoint. Delivery is best-effort.
	Send(ctx context.Context, endpoint string, data []byte) error
}

// Found calls OnEndpointFound if set.
func (h DiscoveryHandler) Found(endpoint string, info EndpointInfo) {
	if h.OnEndpointFound != nil {
		h.OnEndpointFound(endpoint, info)
	}
}

// Lost calls OnEndpointLost if set.
func (h DiscoveryHandler) Lost(endpoint string) {
	if h.OnEndpointLost != nil {
		h.OnEndpointLost(endpoint)
	}
}

// Initiated calls OnConnectionInitiated if set.
func (h ConnectionHandler) Initiated(endpoint string, info ConnectionInfo) {
	if h.OnConnectionInitiated != nil {
		h.OnConnectionInitiated(endpoint, info)
	}
}

// Result calls OnConnectionResult if set.
func (h ConnectionHandler) Result(endpoint string, err error) {
	if h.OnConnectionResult != nil {
		h.OnConnectionResult(endpoint, err)
	}
}

// Disconnected calls OnDisconnected if set.
func (h ConnectionHandler) Disconnected(endpoint string) {
	if h.OnDisconnected != nil {
		h.OnDisconnected(endpoint)
	}
}
