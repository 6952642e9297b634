package scanner

import "fmt"

// legoCompanyID is the Bluetooth SIG company identifier of the LEGO Group.
const legoCompanyID uint16 = 0x0397

// SystemType is the hub model advertised in LWP manufacturer data.
type SystemType byte

const (
	SystemWeDo2Hub        SystemType = 0x00
	SystemDuploTrain      SystemType = 0x20
	SystemBoostMoveHub    SystemType = 0x40
	SystemPoweredUpHub    SystemType = 0x41
	SystemPoweredUpRemote SystemType = 0x42
	SystemTechnicHub      SystemType = 0x80
)

var systemTypeNames = map[SystemType]string{
	SystemWeDo2Hub:        "WeDo 2.0 Smart Hub",
	SystemDuploTrain:      "Duplo Train Base",
	SystemBoostMoveHub:    "Boost Move Hub",
	SystemPoweredUpHub:    "Powered Up Hub",
	SystemPoweredUpRemote: "Powered Up Remote",
	SystemTechnicHub:      "Technic Hub",
}

func (s SystemType) String() string {
	if name, ok := systemTypeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SYSTEM(0x%02x)", byte(s))
}

// MarshalText renders the model name in JSON reports.
func (s SystemType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// manufacturerInfo is the LWP payload of the manufacturer data field:
// company id (LE), button state, system type, capabilities, last network,
// status, option.
type manufacturerInfo struct {
	ButtonPressed bool
	SystemType    SystemType
	Capabilities  byte
}

func parseManufacturerData(data []byte) (manufacturerInfo, bool) {
	if len(data) < 5 {
		return manufacturerInfo{}, false
	}
	if uint16(data[0])|uint16(data[1])<<8 != legoCompanyID {
		return manufacturerInfo{}, false
	}
	return manufacturerInfo{
		ButtonPressed: data[2] != 0,
		SystemType:    SystemType(data[3]),
		Capabilities:  data[4],
	}, true
}
