package dawtempo

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"gitlab.com/gomidi/midi/v2/smf"
)

// abletonTempoQuant is how finely Ableton quantizes tempo automation for
// playback: 16th notes.
const abletonTempoQuant = 16

// abletonSentinelBeat is the beat position Ableton always writes for the
// first tempo automation point, regardless of whether the project actually
// has tempo automation.
const abletonSentinelBeat = -63072000

// abletonSetVersion is parsed out of the fake-closed <Ableton ...> root tag.
type abletonSetVersion struct {
	Major   string
	Minor   string
	MinorA  int
	MinorB  int
	MinorC  int
	Creator string
}

type abletonTagXML struct {
	XMLName           xml.Name `xml:"Ableton"`
	MajorVersion      string   `xml:"MajorVersion,attr"`
	MinorVersion      string   `xml:"MinorVersion,attr"`
	SchemaChangeCount string   `xml:"SchemaChangeCount,attr"`
	Creator           string   `xml:"Creator,attr"`
	Revision          string   `xml:"Revision,attr"`
}

type attrValueXML struct {
	Value string `xml:"Value,attr"`
}

type idAttrXML struct {
	Id string `xml:"Id,attr"`
}

type floatEventXML struct {
	Id             string `xml:"Id,attr"`
	Time           string `xml:"Time,attr"`
	Value          string `xml:"Value,attr"`
	CurveControl1X string `xml:"CurveControl1X,attr"`
}

type eventsXML struct {
	XMLName     xml.Name         `xml:"Events"`
	FloatEvents []floatEventXML  `xml:"FloatEvent"`
}

type tempoXML struct {
	XMLName            xml.Name   `xml:"Tempo"`
	Manual             *attrValueXML `xml:"Manual"`
	AutomationTarget   *idAttrXML    `xml:"AutomationTarget"`
	ArrangerAutomation *struct {
		Events eventsXML `xml:"Events"`
	} `xml:"ArrangerAutomation"`
}

type masterTrackXML struct {
	XMLName             xml.Name `xml:"MasterTrack"`
	AutomationEnvelopes *struct {
		Envelopes struct {
			Envelope []envelopeXML `xml:"AutomationEnvelope"`
		} `xml:"Envelopes"`
	} `xml:"AutomationEnvelopes"`
}

type envelopeXML struct {
	EnvelopeTarget struct {
		PointeeId attrValueXML `xml:"PointeeId"`
	} `xml:"EnvelopeTarget"`
	Automation struct {
		Events eventsXML `xml:"Events"`
	} `xml:"Automation"`
}

type locatorXML struct {
	Time attrValueXML `xml:"Time"`
	Name attrValueXML `xml:"Name"`
}

type locatorsXML struct {
	XMLName  xml.Name     `xml:"Locators"`
	Locators []locatorXML `xml:"Locator"`
}

// AbletonProject parses Ableton Live's gzip-wrapped XML project format
// (.als). Rather than parsing the whole document, it byte-scans for the
// handful of tags it needs and unmarshals only those fragments - XML
// projects routinely run into the tens of megabytes once plugin state and
// automation history are included, and the timeline only needs a sliver of
// that.
type AbletonProject struct {
	filename string
	opts     EngineOptions
	parseID  string

	rawContents []byte
	contents    []byte

	version     abletonSetVersion
	beatsPerMin float64
	tempoTarget string

	rawMarkers   []RawMarker
	tempoPoints  []TempoPoint
	markers      []Marker

	engine *TimelineEngine
}

func newAbletonProject(filename string, stream io.Reader, opts EngineOptions) Project {
	raw, _ := io.ReadAll(stream)
	return &AbletonProject{
		filename:    filename,
		opts:        opts,
		parseID:     newParseID(),
		rawContents: raw,
	}
}

func (p *AbletonProject) Filename() string { return p.filename }

func (p *AbletonProject) err(detail string, cause error) error {
	return formatErr(p.filename, p.parseID, detail, cause)
}

// findTag returns the bytes spanning the first "<tag>...</tag>" occurrence
// at or after start, inclusive of both delimiters. Returns nil if either
// delimiter is missing.
func findTag(contents []byte, tag string, start int) []byte {
	startTag := []byte("<" + tag + ">")
	endTag := []byte("</" + tag + ">")

	startIdx := bytes.Index(contents[start:], startTag)
	if startIdx < 0 {
		return nil
	}
	startIdx += start

	endIdx := bytes.Index(contents[startIdx:], endTag)
	if endIdx < 0 {
		return nil
	}
	endIdx += startIdx

	return contents[startIdx : endIdx+len(endTag)]
}

// parseLocators returns the inner Locators chunk. Ableton always nests an
// identical "Locators" tag one level inside the outer one; with no locators
// present, the inner chunk is just the closing tag with nothing between.
func parseLocators(contents []byte) []byte {
	outer := findTag(contents, "Locators", 0)
	if outer == nil {
		return nil
	}
	return findTag(outer, "Locators", 1)
}

func (p *AbletonProject) Parse() error {
	gr, err := gzip.NewReader(bytes.NewReader(p.rawContents))
	if err != nil {
		return p.err("not a gzip-compressed project file", err)
	}
	contents, err := io.ReadAll(gr)
	if err != nil {
		return p.err("failed decompressing project contents", err)
	}
	if len(contents) == 0 {
		return p.err("decompressed project contents were empty", nil)
	}
	p.contents = contents

	if err := p.parseVersion(); err != nil {
		return err
	}
	if err := p.parseTempo(); err != nil {
		return err
	}
	if err := p.parseMarkers(); err != nil {
		return err
	}
	if err := p.parseAutomation(); err != nil {
		return err
	}

	if len(p.tempoPoints) == 0 {
		p.tempoPoints = []TempoPoint{{Beat: abletonSentinelBeat, Bpm: p.beatsPerMin}}
	}

	p.engine = NewTimelineEngine(p.tempoPoints, p.beatsPerMin, abletonTempoQuant, p.opts.Theoretical)

	markers, err := p.engine.ResolveAllMarkers(p.rawMarkers)
	if err != nil {
		return err
	}
	p.markers = markers

	return nil
}

func (p *AbletonProject) parseVersion() error {
	startIdx := bytes.Index(p.contents, []byte("<Ableton"))
	if startIdx < 0 {
		return p.err("missing <Ableton> root tag", nil)
	}
	endIdx := bytes.Index(p.contents[startIdx:], []byte(">"))
	if endIdx < 0 {
		return p.err("unterminated <Ableton> root tag", nil)
	}
	chunk := string(p.contents[startIdx : startIdx+endIdx+1])

	var tag abletonTagXML
	if err := xml.Unmarshal([]byte(chunk+"</Ableton>"), &tag); err != nil {
		return p.err("cannot parse <Ableton> version tag", err)
	}

	v := abletonSetVersion{Major: tag.MajorVersion, Minor: tag.MinorVersion, Creator: tag.Creator}
	if tag.MinorVersion != "" {
		big, little, ok := strings.Cut(tag.MinorVersion, ".")
		if ok {
			v.MinorA, _ = strconv.Atoi(big)
			parts := strings.SplitN(little, "_", 3)
			if len(parts) >= 2 {
				v.MinorB, _ = strconv.Atoi(parts[0])
				v.MinorC, _ = strconv.Atoi(parts[1])
			}
		}
	}
	p.version = v
	return nil
}

// parseArrangerAutomationEvents parses the <Tempo> tag and returns the
// FloatEvents nested under ArrangerAutomation/Events. Used for Ableton 8
// and 9, which store tempo automation directly on the Tempo element.
func (p *AbletonProject) parseArrangerAutomationEvents() ([]floatEventXML, error) {
	chunk := findTag(p.contents, "Tempo", 0)
	if chunk == nil {
		return nil, p.err("missing <Tempo> tag", nil)
	}

	var tempo tempoXML
	if err := xml.Unmarshal(chunk, &tempo); err != nil {
		return nil, p.err("cannot parse <Tempo> tag", err)
	}

	if tempo.ArrangerAutomation == nil {
		warnInconsistentState(p.filename, p.parseID, "no ArrangerAutomation found in Tempo")
		return nil, nil
	}
	return tempo.ArrangerAutomation.Events.FloatEvents, nil
}

func (p *AbletonProject) parseTempo() error {
	if p.version.MinorA == 8 {
		events, err := p.parseArrangerAutomationEvents()
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return p.err("Ableton 8 project had no tempo automation events", nil)
		}
		bpm, err := strconv.ParseFloat(events[0].Value, 64)
		if err != nil {
			return p.err("cannot parse initial tempo value", err)
		}
		p.beatsPerMin = bpm
		return nil
	}

	chunk := findTag(p.contents, "Tempo", 0)
	if chunk == nil {
		return p.err("missing <Tempo> tag", nil)
	}

	var tempo tempoXML
	if err := xml.Unmarshal(chunk, &tempo); err != nil {
		return p.err("cannot parse <Tempo> tag", err)
	}
	if tempo.Manual == nil || tempo.AutomationTarget == nil {
		return p.err("Tempo tag missing Manual or AutomationTarget", nil)
	}

	bpm, err := strconv.ParseFloat(tempo.Manual.Value, 64)
	if err != nil {
		return p.err("cannot parse manual tempo value", err)
	}
	p.beatsPerMin = bpm
	p.tempoTarget = tempo.AutomationTarget.Id
	return nil
}

func (p *AbletonProject) parseAutomation() error {
	var events []floatEventXML

	if p.version.MinorA < 10 {
		evs, err := p.parseArrangerAutomationEvents()
		if err != nil {
			return err
		}
		events = evs
	} else {
		chunk := findTag(p.contents, "MasterTrack", 0)
		if chunk == nil {
			return p.err("missing <MasterTrack> tag", nil)
		}

		var master masterTrackXML
		if err := xml.Unmarshal(chunk, &master); err != nil {
			return p.err("cannot parse <MasterTrack> tag", err)
		}

		if master.AutomationEnvelopes == nil {
			warnInconsistentState(p.filename, p.parseID, "no AutomationEnvelopes found in MasterTrack")
			return nil
		}

		for _, env := range master.AutomationEnvelopes.Envelopes.Envelope {
			if env.EnvelopeTarget.PointeeId.Value == p.tempoTarget {
				events = env.Automation.Events.FloatEvents
				break
			}
		}
	}

	if events == nil {
		return nil
	}

	points := make([]TempoPoint, 0, len(events))
	for _, ev := range events {
		beat, err := strconv.ParseFloat(ev.Time, 64)
		if err != nil {
			return p.err("cannot parse automation event Time", err)
		}
		bpm, err := strconv.ParseFloat(ev.Value, 64)
		if err != nil {
			return p.err("cannot parse automation event Value", err)
		}
		points = append(points, TempoPoint{Beat: beat, Bpm: bpm, TrackID: ev.Id})
	}
	p.tempoPoints = points
	return nil
}

func (p *AbletonProject) parseMarkers() error {
	chunk := parseLocators(p.contents)
	if len(chunk) == 0 {
		p.rawMarkers = nil
		return nil
	}

	var locators locatorsXML
	if err := xml.Unmarshal(chunk, &locators); err != nil {
		return p.err("cannot parse Locators tag", err)
	}

	raw := make([]RawMarker, 0, len(locators.Locators))
	for _, loc := range locators.Locators {
		beat, err := strconv.ParseFloat(loc.Time.Value, 64)
		if err != nil {
			return p.err("cannot parse locator Time", err)
		}
		raw = append(raw, RawMarker{Position: beat, Text: strings.TrimSpace(loc.Name.Value)})
	}
	p.rawMarkers = raw
	return nil
}

func (p *AbletonProject) Markers() []Marker {
	return p.markers
}

func (p *AbletonProject) TempoAutomationEvents() []TempoPoint {
	return p.engine.TempoAutomationEvents()
}

func (p *AbletonProject) EmitTempoMap() (smf.Track, error) {
	emitter := NewTempoMapEmitter(p.engine.TempoAutomationEvents(), abletonTempoQuant, p.opts.TicksPerQuarterNote)
	return emitter.ToSMFTrack()
}
