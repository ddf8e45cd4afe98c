package analytics

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"
	"github.com/viqsec/sentry/server/storage"
)

// A result document looks like:
//
//	<Root incompleteResult="0" count="1" fileId="3295">
//	  <Result count="2">
//	    <Object name="person" probability="91" x="10" y="20" w="30" h="80"/>
//	    <Object name="car" probability="64" x="5" y="5" w="100" h="50"/>
//	  </Result>
//	</Root>
//
// fileId echoes the footage id we sent with the frame.

// handleResult persists one XML result and fires the user notification
// when a person crosses the camera's threshold.
func (e *Engine) handleResult(s *session, xml []byte) {
	// Results can keep arriving after a person was already found; those
	// are not interesting anymore.
	if s.done {
		return
	}

	footageID, dets, counts, personFound := e.parseResult(s, xml)
	if footageID == 0 {
		return
	}

	if err := e.storage.AddDetections(dets); err != nil {
		e.log.Errorf("Failed to store detections for footage %v: %v", footageID, err)
	}
	for name, n := range counts {
		if err := e.storage.IncrementDetectionCount(s.cameraID, name, n); err != nil {
			e.log.Errorf("Failed to bump detection counter %v/%v: %v", s.cameraID, name, err)
		}
	}
	if err := e.storage.AddResultXML(footageID, string(xml)); err != nil {
		e.log.Errorf("Failed to store result XML for footage %v: %v", footageID, err)
	}

	if personFound {
		e.notifier.Notify(fmt.Sprintf("/ui/inform-user.php?eventID=%d&eventFrameID=%d", s.eventID, footageID))
		s.done = true
	}
}

// parseResult extracts the detections from one XML document.
// Returns footageID 0 when the document is unusable.
func (e *Engine) parseResult(s *session, xml []byte) (footageID int64, dets []storage.Detection, counts map[string]int64, personFound bool) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xml); err != nil {
		e.log.Errorf("Failed to parse analytics XML (event %v): %v", s.eventID, err)
		return 0, nil, nil, false
	}
	root := doc.SelectElement("Root")
	if root == nil {
		e.log.Errorf("Analytics XML root element not found (event %v)", s.eventID)
		return 0, nil, nil, false
	}

	footageID, _ = strconv.ParseInt(root.SelectAttrValue("fileId", "0"), 10, 64)
	counts = map[string]int64{}

	frame := 0
	for _, result := range root.ChildElements() {
		frame++
		for _, obj := range result.ChildElements() {
			name := obj.SelectAttrValue("name", "")
			probability, _ := strconv.Atoi(obj.SelectAttrValue("probability", "0"))
			x, _ := strconv.Atoi(obj.SelectAttrValue("x", "0"))
			y, _ := strconv.Atoi(obj.SelectAttrValue("y", "0"))
			w, _ := strconv.Atoi(obj.SelectAttrValue("w", "0"))
			h, _ := strconv.Atoi(obj.SelectAttrValue("h", "0"))

			if name == "person" && probability > int(s.threshold) {
				personFound = true
			}
			counts[name]++

			dets = append(dets, storage.Detection{
				EventFootageID: footageID,
				Frame:          frame,
				Type:           name,
				Probability:    probability,
				X:              x,
				Y:              y,
				W:              w,
				H:              h,
			})
		}
	}
	return footageID, dets, counts, personFound
}
