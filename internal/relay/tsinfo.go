package relay

import (
	"bytes"
	"context"
	"fmt"

	"github.com/asticode/go-astits"
)

// TSInfo summarises the container structure of a transport stream, read
// from the first buffered bytes of a session.
type TSInfo struct {
	Programs []TSProgram `json:"programs"`
}

// TSProgram is one program from the PAT with its PMT streams.
type TSProgram struct {
	Number  uint16     `json:"number"`
	PCRPID  uint16     `json:"pcr_pid,omitempty"`
	Streams []TSStream `json:"streams,omitempty"`
}

// TSStream is one elementary stream from a PMT.
type TSStream struct {
	PID  uint16 `json:"pid"`
	Type string `json:"type"`
}

// InspectTS parses PAT and PMT tables out of raw transport stream bytes.
// It stops as soon as every PAT-announced program has a PMT, or when the
// data runs out.
func InspectTS(data []byte) (*TSInfo, error) {
	if len(data) < 188 {
		return nil, fmt.Errorf("not enough data for transport stream inspection")
	}

	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(data))

	info := &TSInfo{}
	wanted := -1
	seen := make(map[uint16]bool)

	for {
		d, err := dmx.NextData()
		if err != nil {
			break
		}
		if d.PAT != nil && wanted < 0 {
			wanted = len(d.PAT.Programs)
			for _, prog := range d.PAT.Programs {
				if prog.ProgramNumber == 0 {
					// NIT reference, not a program.
					wanted--
					continue
				}
				info.Programs = append(info.Programs, TSProgram{Number: prog.ProgramNumber})
			}
		}
		if d.PMT != nil && !seen[d.PMT.ProgramNumber] {
			seen[d.PMT.ProgramNumber] = true
			for i := range info.Programs {
				if info.Programs[i].Number != d.PMT.ProgramNumber {
					continue
				}
				info.Programs[i].PCRPID = d.PMT.PCRPID
				for _, es := range d.PMT.ElementaryStreams {
					info.Programs[i].Streams = append(info.Programs[i].Streams, TSStream{
						PID:  es.ElementaryPID,
						Type: streamTypeName(es.StreamType),
					})
				}
			}
		}
		if wanted >= 0 && len(seen) >= wanted {
			break
		}
	}

	if len(info.Programs) == 0 {
		return nil, fmt.Errorf("no program association table found")
	}
	return info, nil
}

// streamTypeName maps ISO 13818-1 stream type codes to short names.
func streamTypeName(t astits.StreamType) string {
	switch uint8(t) {
	case 0x01:
		return "mpeg1video"
	case 0x02:
		return "mpeg2video"
	case 0x03:
		return "mpeg1audio"
	case 0x04:
		return "mpeg2audio"
	case 0x06:
		return "privatedata"
	case 0x0f:
		return "aac"
	case 0x11:
		return "aac_latm"
	case 0x1b:
		return "h264"
	case 0x24:
		return "hevc"
	case 0x81:
		return "ac3"
	case 0x87:
		return "eac3"
	default:
		return fmt.Sprintf("type_0x%02x", uint8(t))
	}
}
