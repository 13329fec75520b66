// Package virtualspace implements the grouped-driver virtual space mapping
// (spec §9): given the channel lists of every driver in a group, produce a
// deterministic ordering of virtual spaces by band — terrestrial (grouped
// by region), then BS, then CS, then 4K, then other — skipping empty
// bands, so a session opened with open_tuner_with_group can address the
// whole group through one stable index space.
package virtualspace

import (
	"sort"
	"strconv"

	"github.com/bonproxy/tunerproxy/internal/catalog"
	"github.com/bonproxy/tunerproxy/internal/dvbnid"
)

// bandOrder fixes the band ordering the spec names explicitly.
var bandOrder = []dvbnid.BandType{
	dvbnid.BandTerrestrial,
	dvbnid.BandBS,
	dvbnid.BandCS,
	dvbnid.Band4K,
	dvbnid.BandOther,
}

// Entry is one slot in the merged virtual space: the virtual index plus
// the (driver, physical space/channel) it currently resolves to.
type Entry struct {
	Index    int
	DriverID int64
	Space    int
	Channel  string
	Band     dvbnid.BandType
	Region   string // set only when Band == BandTerrestrial
}

// Build produces a deterministic virtual space ordering from a group's
// channel set. Within the terrestrial band, entries are further grouped by
// region (alphabetically) before being assigned indices; within a region
// (and within every other band), entries are ordered by NID then SID for
// reproducibility across runs.
func Build(channels []catalog.Channel) []Entry {
	byBand := make(map[dvbnid.BandType][]catalog.Channel)
	for _, ch := range channels {
		byBand[ch.BandType] = append(byBand[ch.BandType], ch)
	}

	var out []Entry
	idx := 0
	for _, band := range bandOrder {
		group := byBand[band]
		if len(group) == 0 {
			continue
		}
		if band == dvbnid.BandTerrestrial {
			idx = appendTerrestrial(&out, group, idx)
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if group[i].NID != group[j].NID {
				return group[i].NID < group[j].NID
			}
			return group[i].SID < group[j].SID
		})
		for _, ch := range group {
			out = append(out, entryFor(ch, idx, band, ""))
			idx++
		}
	}
	return out
}

func appendTerrestrial(out *[]Entry, group []catalog.Channel, idx int) int {
	byRegion := make(map[string][]catalog.Channel)
	for _, ch := range group {
		byRegion[ch.TerrestrialRegion] = append(byRegion[ch.TerrestrialRegion], ch)
	}
	regions := make([]string, 0, len(byRegion))
	for r := range byRegion {
		regions = append(regions, r)
	}
	sort.Strings(regions)

	for _, region := range regions {
		chs := byRegion[region]
		sort.Slice(chs, func(i, j int) bool {
			if chs[i].NID != chs[j].NID {
				return chs[i].NID < chs[j].NID
			}
			return chs[i].SID < chs[j].SID
		})
		for _, ch := range chs {
			*out = append(*out, entryFor(ch, idx, dvbnid.BandTerrestrial, region))
			idx++
		}
	}
	return idx
}

func entryFor(ch catalog.Channel, idx int, band dvbnid.BandType, region string) Entry {
	channel := ""
	if ch.ManualSheet != nil {
		channel = strconv.Itoa(int(*ch.ManualSheet))
	} else {
		channel = strconv.Itoa(int(ch.SID))
	}
	return Entry{
		Index:    idx,
		DriverID: ch.DriverID,
		Space:    ch.BonSpace,
		Channel:  channel,
		Band:     band,
		Region:   region,
	}
}

