package usbd_test

import (
	"bytes"
	"testing"

	xtesting "github.com/padforge/xusbd/internal/testing"
	"github.com/padforge/xusbd/usb"
	"github.com/padforge/xusbd/usbd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpointPairBytes(attrs uint8) []byte {
	var b bytes.Buffer
	usb.EndpointDescriptor{BEndpointAddress: 0x81, BMAttributes: attrs, WMaxPacketSize: 32, BInterval: 4}.Write(&b)
	usb.EndpointDescriptor{BEndpointAddress: 0x01, BMAttributes: attrs, WMaxPacketSize: 32, BInterval: 8}.Write(&b)
	return b.Bytes()
}

func TestOpenEndpointPair(t *testing.T) {
	port := xtesting.NewMockPort()

	epOut, epIn, err := usbd.OpenEndpointPair(port, endpointPairBytes(0x03), 2, usb.XferInterrupt)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), epOut)
	assert.Equal(t, uint8(0x81), epIn)
	assert.Len(t, port.Endpoints, 2)
}

func TestOpenEndpointPairSingleIn(t *testing.T) {
	port := xtesting.NewMockPort()

	var b bytes.Buffer
	usb.EndpointDescriptor{BEndpointAddress: 0x82, BMAttributes: 0x03, WMaxPacketSize: 8, BInterval: 10}.Write(&b)

	epOut, epIn, err := usbd.OpenEndpointPair(port, b.Bytes(), 1, usb.XferInterrupt)
	require.NoError(t, err)
	assert.Zero(t, epOut)
	assert.Equal(t, uint8(0x82), epIn)
}

func TestOpenEndpointPairTypeMismatch(t *testing.T) {
	port := xtesting.NewMockPort()

	_, _, err := usbd.OpenEndpointPair(port, endpointPairBytes(0x02), 2, usb.XferInterrupt)
	assert.Error(t, err, "bulk endpoints must be rejected for an interrupt pair")
}

func TestOpenEndpointPairTruncated(t *testing.T) {
	port := xtesting.NewMockPort()

	pair := endpointPairBytes(0x03)
	_, _, err := usbd.OpenEndpointPair(port, pair[:usb.EndpointDescLen], 2, usb.XferInterrupt)
	assert.Error(t, err)
}

func TestEndpointClaimSemantics(t *testing.T) {
	port := xtesting.NewMockPort()
	require.NoError(t, port.EndpointOpen(usb.EndpointDescriptor{BEndpointAddress: 0x81, BMAttributes: 0x03}))

	require.True(t, port.EndpointClaim(0x81))
	assert.False(t, port.EndpointClaim(0x81), "double claim must fail")

	require.True(t, port.EndpointTransfer(0x81, []byte{1, 2, 3}))
	assert.False(t, port.EndpointClaim(0x81), "claim fails while a transfer is outstanding")
	assert.True(t, port.EndpointBusy(0x81))

	port.TakePending(0x81)
	assert.True(t, port.EndpointClaim(0x81), "claim succeeds again after completion")
}
