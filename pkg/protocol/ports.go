package protocol

import "fmt"

// IRPort names an addressable output on a dock. The device expects port
// selections as a bitmask; ports that drive two outputs at once carry the
// combined mask.
type IRPort string

const (
	PortDockTop        IRPort = "Dock Top"
	PortDockBottom     IRPort = "Dock Bottom"
	PortExt1           IRPort = "Ext 1"
	PortExt2           IRPort = "Ext 2"
	PortExt1And2       IRPort = "Ext 1 & 2"
	PortDockBottomExt1 IRPort = "Dock Bottom & Ext 1"
	PortDockBottomExt2 IRPort = "Dock Bottom & Ext 2"
)

var portMasks = map[IRPort]int{
	PortDockBottom:     1,
	PortDockTop:        2,
	PortExt1:           4,
	PortExt2:           8,
	PortExt1And2:       12,
	PortDockBottomExt1: 5,
	PortDockBottomExt2: 9,
}

// IRPorts lists the addressable dock outputs in display order.
var IRPorts = []IRPort{
	PortDockTop, PortDockBottom,
	PortExt1, PortExt2, PortExt1And2,
	PortDockBottomExt1, PortDockBottomExt2,
}

// Mask returns the bitmask the device expects for p.
func (p IRPort) Mask() (int, error) {
	mask, ok := portMasks[p]
	if !ok {
		return 0, fmt.Errorf("unknown IR port %q", p)
	}
	return mask, nil
}

// Valid reports whether p names a known dock output.
func (p IRPort) Valid() bool {
	_, ok := portMasks[p]
	return ok
}
