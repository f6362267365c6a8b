package dawtempo

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipString(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

const gen9Fixture = `<?xml version="1.0" encoding="UTF-8"?>
<Ableton MajorVersion="5" MinorVersion="9.7_10" SchemaChangeCount="3" Creator="Ableton Live 9.7.7" Revision="abc">
<LiveSet>
<Tempo>
<Manual Value="120"/>
<AutomationTarget Id="42"/>
<ArrangerAutomation>
<Events>
<FloatEvent Id="0" Time="-63072000" Value="120"/>
<FloatEvent Id="1" Time="4" Value="60"/>
<FloatEvent Id="2" Time="8" Value="120"/>
</Events>
</ArrangerAutomation>
</Tempo>
<Locators>
<Locators>
<Locator>
<Time Value="16"/>
<Name Value="Drop"/>
</Locator>
</Locators>
</Locators>
</LiveSet>
</Ableton>`

func TestAbletonProjectParseGen9(t *testing.T) {
	raw := gzipString(t, gen9Fixture)
	proj := newAbletonProject("song.als", bytes.NewReader(raw), DefaultEngineOptions())

	require.NoError(t, proj.Parse())

	events := proj.TempoAutomationEvents()
	require.Len(t, events, 3)
	assert.Equal(t, 0.0, events[0].RealTime)

	markers := proj.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, "Drop", markers[0].Text)
	assert.Greater(t, markers[0].RealTime, 0.0)
}

const gen9NoLocatorsFixture = `<?xml version="1.0" encoding="UTF-8"?>
<Ableton MajorVersion="5" MinorVersion="9.7_10" SchemaChangeCount="3" Creator="Ableton Live 9.7.7" Revision="abc">
<LiveSet>
<Tempo>
<Manual Value="140"/>
<AutomationTarget Id="1"/>
<ArrangerAutomation>
<Events>
<FloatEvent Id="0" Time="-63072000" Value="140"/>
</Events>
</ArrangerAutomation>
</Tempo>
<Locators>
<Locators>
</Locators>
</Locators>
</LiveSet>
</Ableton>`

// TestAbletonProjectParseNoLocators covers Ableton's nested-Locators quirk:
// when there are no markers, the inner Locators tag is simply the closing
// tag with nothing between.
func TestAbletonProjectParseNoLocators(t *testing.T) {
	raw := gzipString(t, gen9NoLocatorsFixture)
	proj := newAbletonProject("no_markers.als", bytes.NewReader(raw), DefaultEngineOptions())

	require.NoError(t, proj.Parse())
	assert.Empty(t, proj.Markers())

	events := proj.TempoAutomationEvents()
	require.Len(t, events, 1)
}

const gen10Fixture = `<?xml version="1.0" encoding="UTF-8"?>
<Ableton MajorVersion="11" MinorVersion="11.1_11" SchemaChangeCount="3" Creator="Ableton Live 11.1.1" Revision="abc">
<LiveSet>
<Tempo>
<Manual Value="128"/>
<AutomationTarget Id="99"/>
</Tempo>
<MasterTrack>
<AutomationEnvelopes>
<Envelopes>
<AutomationEnvelope>
<EnvelopeTarget>
<PointeeId Value="99"/>
</EnvelopeTarget>
<Automation>
<Events>
<FloatEvent Id="0" Time="-63072000" Value="128"/>
<FloatEvent Id="1" Time="32" Value="100"/>
</Events>
</Automation>
</AutomationEnvelope>
<AutomationEnvelope>
<EnvelopeTarget>
<PointeeId Value="5"/>
</EnvelopeTarget>
<Automation>
<Events>
<FloatEvent Id="0" Time="0" Value="1"/>
</Events>
</Automation>
</AutomationEnvelope>
</Envelopes>
</AutomationEnvelopes>
</MasterTrack>
<Locators>
<Locators>
</Locators>
</Locators>
</LiveSet>
</Ableton>`

// TestAbletonProjectParseGen10 covers the Ableton 10/11 envelope-matching
// path: the correct envelope is picked by comparing PointeeId against the
// Tempo tag's AutomationTarget id, ignoring unrelated envelopes.
func TestAbletonProjectParseGen10(t *testing.T) {
	raw := gzipString(t, gen10Fixture)
	proj := newAbletonProject("gen10.als", bytes.NewReader(raw), DefaultEngineOptions())

	require.NoError(t, proj.Parse())

	events := proj.TempoAutomationEvents()
	require.Len(t, events, 2)
	assert.Equal(t, 100.0, events[1].Bpm)
}

func TestAbletonProjectParseRejectsNonGzip(t *testing.T) {
	proj := newAbletonProject("bad.als", bytes.NewReader([]byte("not gzip data")), DefaultEngineOptions())
	assert.Error(t, proj.Parse())
}

func TestFindTag(t *testing.T) {
	contents := []byte("prefix <Tempo>body</Tempo> suffix")
	got := findTag(contents, "Tempo", 0)
	assert.Equal(t, "<Tempo>body</Tempo>", string(got))

	assert.Nil(t, findTag(contents, "Missing", 0))
}

func TestParseLocatorsEmptyNested(t *testing.T) {
	contents := []byte("<Locators><Locators></Locators></Locators>")
	inner := parseLocators(contents)
	assert.NotContains(t, string(inner), "<Locator>")
}
