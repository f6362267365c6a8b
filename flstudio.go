package dawtempo

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"

	"gitlab.com/gomidi/midi/v2/smf"
)

// flTempoQuant is FL Studio's tempo automation quantization, in the same
// units as Ableton's TEMPO_QUANT (notes per whole note): a 512th note.
const flTempoQuant = 512

// FL Studio automation channel parameter and destination ids relevant to
// tempo automation. Plenty of other parameter/dest ids exist (mixer track
// volume, plugin knobs); this engine only ever looks at the master tempo.
const (
	paramMasterTempo = 5
	destMaster       = 0x4000
)

// MarkerAction values decoded from the top byte of a MARKER_TIME event.
// Only markerActionNone is a real, user-visible marker; the rest encode
// loop points, punch in/out, and time signature overrides on the same
// timeline slot and are filtered out before resolving Markers.
const markerActionNone = 0

// FL Studio chunked binary event ids. Ranges determine the fixed-width or
// VLQ-length-prefixed framing used to read each event's payload.
const (
	evByteMax = 64
	evWordMax = 128
	evDwordMax = 192

	evTimeSigNumerator   = 33
	evTimeSigDenominator = 34
	evChannelNew         = 0x40
	evTempoOld           = 66

	evMarkerTime = 128 + 20 // 0x94
	evTempo      = 128 + 28 // 0x9c
	evUnknown92  = 0x92
	evUnknown93  = 0x93
	evUnknown9A  = 0x9a

	evVersion           = 192 + 7  // 0xc7
	evMarkerText        = 192 + 13 // 0xcd
	evChannelSamplePath = 0xc4
	evChannelName       = 0xcb
	evBasicChanParams   = 0xdb
	evAutomationChannels = 0xe3
	evAutomationData     = 0xea
	evPlaylistItems      = 0xe9
)

type flAutomationPoint struct {
	BeatIncrement float64
	Value         float64
	Tension       float32
	Direction     byte
}

type flChannel struct {
	ID               int
	Name             string
	SamplePath       string
	AutomationPoints []flAutomationPoint
}

// FlStudioProject parses FL Studio's chunked binary project format (.flp):
// a fixed header followed by a single "FLdt" event stream. Event ids in
// [0,64) carry a 1-byte payload, [64,128) 2 bytes, [128,192) 4 bytes, and
// [192,255] a VLQ-length-prefixed blob - text, or in a few cases (playlist
// items, automation channels/data) fixed-size packed structs.
type FlStudioProject struct {
	filename string
	opts     EngineOptions
	parseID  string

	raw []byte
	r   *bytes.Reader

	majorVersion  int
	pulsesPerBeat int
	beatsPerMin   float64
	numChannels   int

	channels            []flChannel
	automationChannels  []AutomationChannel
	playlistItems        []PlaylistItem
	playlistTrackIDs    map[int]int // index into playlistItems -> raw track_id, for version-dependent normalization
	rawMarkers          []RawMarker

	tempoPoints []TempoPoint
	markers     []Marker

	engine *TimelineEngine
}

func newFlStudioProject(filename string, stream io.Reader, opts EngineOptions) Project {
	raw, _ := io.ReadAll(stream)
	return &FlStudioProject{
		filename: filename,
		opts:     opts,
		parseID:  newParseID(),
		raw:      raw,
	}
}

func (p *FlStudioProject) Filename() string { return p.filename }

func (p *FlStudioProject) err(detail string, cause error) error {
	return formatErr(p.filename, p.parseID, detail, cause)
}

//
// Byte-level readers
//

func (p *FlStudioProject) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *FlStudioProject) read8() (byte, error) {
	return p.r.ReadByte()
}

func (p *FlStudioProject) read16LE() (uint16, error) {
	b, err := p.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (p *FlStudioProject) read32LE() (uint32, error) {
	b, err := p.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (p *FlStudioProject) read32LESigned() (int32, error) {
	u, err := p.read32LE()
	return int32(u), err
}

func (p *FlStudioProject) readFloat() (float32, error) {
	u, err := p.read32LE()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}

func (p *FlStudioProject) readDouble() (float64, error) {
	b, err := p.read(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// readVLQ decodes a 7-bit continuation length prefix: the low 7 bits of
// each byte carry payload, the high bit signals another byte follows.
func (p *FlStudioProject) readVLQ() (int, error) {
	var ret int
	var shift uint
	for {
		b, err := p.read8()
		if err != nil {
			return 0, err
		}
		ret |= int(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	return ret, nil
}

func decodeFlString(data []byte, majorVersion int) string {
	var s string
	if majorVersion > 11 {
		// FL 12+ stores UTF-16.
		u16 := make([]uint16, len(data)/2)
		for i := range u16 {
			u16[i] = binary.LittleEndian.Uint16(data[i*2:])
		}
		s = string(utf16.Decode(u16))
	} else {
		s = string(data)
	}
	return strings.ReplaceAll(s, "\x00", "")
}

//
// Parsing
//

func (p *FlStudioProject) Parse() error {
	p.r = bytes.NewReader(p.raw)
	p.playlistTrackIDs = map[int]int{}

	magic, err := p.read(4)
	if err != nil || string(magic) != "FLhd" {
		return p.err("missing FLhd header magic", err)
	}

	headerLen, err := p.read32LE()
	if err != nil || headerLen != 6 {
		return p.err("unexpected header length", err)
	}

	formatType, err := p.read16LE()
	if err != nil || formatType != 0 {
		return p.err("unexpected project format type", err)
	}

	numChannels, err := p.read16LE()
	if err != nil {
		return p.err("truncated header: channel count", err)
	}
	p.numChannels = int(numChannels)

	ppq, err := p.read16LE()
	if err != nil {
		return p.err("truncated header: pulses per beat", err)
	}
	p.pulsesPerBeat = int(ppq)

	if err := p.parseEventsChunk(); err != nil {
		return err
	}

	p.computeTempoAutomations()

	p.engine = NewTimelineEngine(p.tempoPoints, p.beatsPerMin, flTempoQuant, p.opts.Theoretical)

	filtered := make([]RawMarker, 0, len(p.rawMarkers))
	for _, m := range p.rawMarkers {
		if m.Action == markerActionNone {
			filtered = append(filtered, RawMarker{Position: float64(m.Position) / float64(p.pulsesPerBeat), Text: m.Text})
		}
	}

	markers, err := p.engine.ResolveAllMarkers(filtered)
	if err != nil {
		return err
	}
	p.markers = markers

	return nil
}

func (p *FlStudioProject) parseEventsChunk() error {
	magic, err := p.read(4)
	if err != nil || string(magic) != "FLdt" {
		return p.err("missing FLdt data chunk header", err)
	}

	chunkLen, err := p.read32LE()
	if err != nil {
		return p.err("truncated FLdt chunk length", err)
	}
	limit := int64(p.r.Size()) - int64(p.r.Len())
	end := limit + int64(chunkLen)

	for {
		pos := int64(p.r.Size()) - int64(p.r.Len())
		if pos >= end {
			break
		}

		id, err := p.read8()
		if err != nil {
			break
		}
		eventID := int(id)

		var data []byte
		switch {
		case eventID < evByteMax:
			data, err = p.read(1)
		case eventID < evWordMax:
			data, err = p.read(2)
		case eventID < evDwordMax:
			data, err = p.read(4)
		default:
			n, vlqErr := p.readVLQ()
			if vlqErr != nil {
				err = vlqErr
				break
			}
			data, err = p.read(n)
		}
		if err != nil {
			return p.err("truncated event payload", err)
		}

		if err := p.handleEvent(eventID, data); err != nil {
			return err
		}
	}

	return nil
}

func leUint16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func leUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func leInt32(b []byte) int32   { return int32(binary.LittleEndian.Uint32(b)) }

func (p *FlStudioProject) handleEvent(id int, data []byte) error {
	switch id {
	case evTempo:
		p.beatsPerMin = float64(leUint32(data)) / 1000.0

	case evChannelNew:
		p.channels = append(p.channels, flChannel{ID: int(leUint16(data))})

	case evChannelName:
		if len(p.channels) == 0 {
			warnInconsistentState(p.filename, p.parseID, "CHANNEL_NAME before CHANNEL_NEW")
			return nil
		}
		p.channels[len(p.channels)-1].Name = decodeFlString(data, p.majorVersion)

	case evChannelSamplePath:
		if len(p.channels) == 0 {
			warnInconsistentState(p.filename, p.parseID, "CHANNEL_SAMPLE_PATH before CHANNEL_NEW")
			return nil
		}
		p.channels[len(p.channels)-1].SamplePath = decodeFlString(data, p.majorVersion)

	case evAutomationChannels:
		if len(data) < 20 {
			return p.err("truncated AUTOMATION_CHANNELS event", nil)
		}
		trackID := int(leUint32(data[2:6]))
		paramID := int(leUint16(data[8:10]))
		destID := int(leUint16(data[10:12]))
		p.automationChannels = append(p.automationChannels, AutomationChannel{TrackID: trackID, ParamID: paramID, DestID: destID})

	case evAutomationData:
		if len(p.channels) == 0 {
			warnInconsistentState(p.filename, p.parseID, "AUTOMATION_DATA before any CHANNEL_NEW")
			return nil
		}
		if err := p.parseAutomationData(data); err != nil {
			return err
		}

	case evPlaylistItems:
		if len(p.channels) != p.numChannels {
			warnInconsistentState(p.filename, p.parseID, "channel count mismatch during PLAYLIST_ITEMS")
		}
		p.parsePlaylistItems(data)

	case evVersion:
		verstr := strings.ReplaceAll(string(data), "\x00", "")
		parts := strings.SplitN(verstr, ".", 2)
		if len(parts) > 0 {
			if n, err := strconv.Atoi(parts[0]); err == nil {
				p.majorVersion = n
			}
		}

	case evMarkerTime:
		v := leUint32(data)
		action := int(v >> 24)
		pulse := int(v & 0xffffff)
		p.rawMarkers = append(p.rawMarkers, RawMarker{Position: float64(pulse), Action: action})

	case evMarkerText:
		text := decodeFlString(data, p.majorVersion)
		if len(p.rawMarkers) == 0 {
			warnInconsistentState(p.filename, p.parseID, "MARKER_TEXT before any MARKER_TIME")
			p.rawMarkers = append(p.rawMarkers, RawMarker{Position: 0, Text: text})
			return nil
		}
		p.rawMarkers[len(p.rawMarkers)-1].Text = text

	case evTempoOld:
		return p.err("FLP contains a TEMPO_OLD event, which this parser cannot interpret", nil)
	}

	return nil
}

func (p *FlStudioProject) parseAutomationData(data []byte) error {
	r := bytes.NewReader(data)
	// 5 leading unknown fields (17 bytes), then a point count, then
	// num_points * 24-byte point records.
	if _, err := r.Seek(17, io.SeekStart); err != nil {
		return p.err("truncated AUTOMATION_DATA header", err)
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return p.err("truncated AUTOMATION_DATA point count", err)
	}
	numPoints := int(leUint32(countBuf[:]))

	curr := &p.channels[len(p.channels)-1]
	for i := 0; i < numPoints; i++ {
		var rec [24]byte
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return p.err("truncated AUTOMATION_DATA point record", err)
		}
		beatIncrement := math.Float64frombits(binary.LittleEndian.Uint64(rec[0:8]))
		value := math.Float64frombits(binary.LittleEndian.Uint64(rec[8:16]))
		tension := math.Float32frombits(binary.LittleEndian.Uint32(rec[16:20]))
		direction := rec[23]

		curr.AutomationPoints = append(curr.AutomationPoints, flAutomationPoint{
			BeatIncrement: beatIncrement,
			Value:         value,
			Tension:       tension,
			Direction:     direction,
		})
	}
	return nil
}

func (p *FlStudioProject) parsePlaylistItems(data []byte) {
	for i := 0; i+32 <= len(data); i += 32 {
		rec := data[i : i+32]

		startPulse := int(leInt32(rec[0:4]))
		channelID := int(leUint16(rec[6:8]))
		lenPulses := int(leUint32(rec[8:12]))
		rawTrackID := int(leUint32(rec[12:16]))

		var trackID int
		if p.majorVersion == 20 {
			trackID = 500 - rawTrackID
		} else {
			trackID = 199 - rawTrackID
		}

		flags := int(leUint16(rec[18:20]))

		p.playlistItems = append(p.playlistItems, PlaylistItem{
			StartPulse:   startPulse,
			LengthPulses: lenPulses,
			ChannelID:    channelID,
			Muted:        flags&0x2000 != 0,
		})
		p.playlistTrackIDs[len(p.playlistItems)-1] = trackID
	}
}

//
// Tempo automation assembly
//

func (p *FlStudioProject) convertValueToBpm(value float64) float64 {
	return (value + 0.5) * 120
}

// tempoAutomationChannels returns the subset of automation channels that
// drive the project's master tempo.
func (p *FlStudioProject) tempoAutomationChannels() []AutomationChannel {
	var out []AutomationChannel
	for _, ac := range p.automationChannels {
		if ac.DestID == destMaster && ac.IsMasterTempo() {
			out = append(out, ac)
		}
	}
	return out
}

func (p *FlStudioProject) resolvePlaylistItemPoints(channel flChannel, item PlaylistItem) []TempoPoint {
	startBeat := float64(item.StartPulse) / float64(p.pulsesPerBeat)
	currBeat := startBeat

	points := make([]TempoPoint, 0, len(channel.AutomationPoints))
	for _, ap := range channel.AutomationPoints {
		currBeat += ap.BeatIncrement
		points = append(points, TempoPoint{
			Beat: currBeat,
			Bpm:  p.convertValueToBpm(ap.Value),
		})
	}
	return points
}

func (p *FlStudioProject) chanClips(channel flChannel) []Clip {
	var clips []Clip
	for idx, item := range p.playlistItems {
		if item.ChannelID != channel.ID || item.Muted {
			continue
		}
		points := p.resolvePlaylistItemPoints(channel, item)
		if len(points) == 0 {
			continue
		}
		clips = append(clips, Clip{
			ChannelID: channel.ID,
			TrackID:   p.playlistTrackIDs[idx],
			StartBeat: float64(item.StartPulse) / float64(p.pulsesPerBeat),
			Length:    float64(item.LengthPulses) / float64(p.pulsesPerBeat),
			Points:    points,
		})
	}
	return clips
}

func (p *FlStudioProject) computeTempoAutomations() {
	tempoChans := p.tempoAutomationChannels()
	if len(tempoChans) == 0 {
		return
	}

	var clips []Clip
	for _, ac := range tempoChans {
		if ac.TrackID < 0 || ac.TrackID >= len(p.channels) {
			warnInconsistentState(p.filename, p.parseID, "automation channel references out-of-range channel id", "channel_id", ac.TrackID)
			continue
		}
		clips = append(clips, p.chanClips(p.channels[ac.TrackID])...)
	}

	p.tempoPoints = ComposeClips(clips)
}

func (p *FlStudioProject) Markers() []Marker {
	return p.markers
}

func (p *FlStudioProject) TempoAutomationEvents() []TempoPoint {
	return p.engine.TempoAutomationEvents()
}

func (p *FlStudioProject) EmitTempoMap() (smf.Track, error) {
	emitter := NewTempoMapEmitter(p.engine.TempoAutomationEvents(), flTempoQuant, p.opts.TicksPerQuarterNote)
	return emitter.ToSMFTrack()
}
