package core

// PacketProcessor consumes packets. Implementations may queue the packet
// and return before it is handled.
type PacketProcessor interface {
	ProcessPacket(packet Packet) error
}

// PacketProcessorFunc adapts a function to PacketProcessor.
type PacketProcessorFunc func(Packet) error

// ProcessPacket calls f(packet).
func (f PacketProcessorFunc) ProcessPacket(packet Packet) error { return f(packet) }

// Discard accepts and drops every packet.
var Discard PacketProcessor = PacketProcessorFunc(func(Packet) error { return nil })
