// Package dvbnid derives the coarse band classification and, for terrestrial
// networks, the broadcast region from a DVB original_network_id (nid).
//
// The ranges are normative (see spec §4.1): they come from the broadcast
// operator's own nid allocation plan, not from a third-party registry, so a
// fixed table is the correct and only implementation — no library in the
// pack or the wider ecosystem encodes a single operator's nid plan.
package dvbnid

// BandType classifies a network id into a coarse broadcast band.
type BandType string

const (
	BandTerrestrial BandType = "terrestrial"
	BandBS          BandType = "bs"
	BandCS          BandType = "cs"
	Band4K          BandType = "4k"
	BandOther       BandType = "other"
)

// Band returns the band classification for nid. Total and deterministic.
func Band(nid uint16) BandType {
	switch {
	case nid == 0x0004 || nid == 0x0005 || (nid >= 0x4001 && nid <= 0x400F):
		return BandBS
	case nid == 0x0006 || nid == 0x0007 || nid == 0x000A || (nid >= 0x6001 && nid <= 0x600F):
		return BandCS
	case nid >= 0x7C00 && nid <= 0x7CFF:
		return Band4K
	case nid >= 0x7F00 && nid <= 0x7FFF:
		return BandTerrestrial
	default:
		return BandOther
	}
}

// terrestrialRegions maps a terrestrial nid to its prefecture/wide-area region
// code. Nid allocation for terrestrial broadcast follows a fixed per-region
// scheme; wide-area aliases collapse several prefecture nids onto one region
// label where the operator's plan groups them.
var terrestrialRegions = map[uint16]string{
	0x7FE8: "kanto",
	0x7FE9: "kanto",
	0x7FEA: "kanto",
	0x7FEB: "kanto",
	0x7FEC: "kanto",
	0x7FED: "kanto",
	0x7FEE: "kanto",
	0x7FD0: "kinki",
	0x7FD1: "kinki",
	0x7FD2: "kinki",
	0x7FD3: "kinki",
	0x7FD4: "kinki",
	0x7FD5: "kinki",
	0x7FC0: "chukyo",
	0x7FC1: "chukyo",
	0x7FC2: "chukyo",
	0x7F90: "hokkaido",
	0x7F91: "hokkaido",
	0x7FA0: "tohoku",
	0x7FB0: "hokuriku",
	0x7FB8: "tokai",
	0x7FF0: "chugoku",
	0x7FF8: "shikoku",
	0x7FFC: "kyushu",
}

// Region returns the terrestrial region for nid and true if defined.
// Region is defined iff Band(nid) == BandTerrestrial.
func Region(nid uint16) (string, bool) {
	if Band(nid) != BandTerrestrial {
		return "", false
	}
	if r, ok := terrestrialRegions[nid]; ok {
		return r, true
	}
	return "unknown", true
}
