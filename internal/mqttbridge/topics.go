package mqttbridge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// Topic Layout
// -------------------------------------------------------------------------
//
// Under the configured base topic (default "cync"):
//
//	<base>/availability                      bridge online/offline (LWT)
//	<base>/availability/<uid>                per-entity availability
//	<base>/state/device/<uid>                retained state JSON
//	<base>/state/group/<uid>
//	<base>/set/device/<uid>[/percentage]     inbound commands
//	<base>/set/group/<uid>[/percentage]
//
// <uid> is the stable external identifier "<home>-<id>".

// Target types in set topics.
const (
	targetDevice = "device"
	targetGroup  = "group"
)

// extraPercentage marks a fan percentage command topic.
const extraPercentage = "percentage"

// Topic parse errors.
var (
	ErrBadTopic      = errors.New("unrecognized set topic")
	ErrBadTargetType = errors.New("set topic target must be device or group")
	ErrBadTargetID   = errors.New("set topic id is not numeric")
)

// setRequest is a parsed inbound command topic.
type setRequest struct {
	group bool
	id    int    // CyncID for devices, GroupID for groups
	extra string // trailing modifier segment, e.g. "percentage"
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic + "/availability"
}

func (b *Bridge) entityAvailabilityTopic(uid string) string {
	return b.baseTopic + "/availability/" + uid
}

func (b *Bridge) stateTopic(targetType, uid string) string {
	return b.baseTopic + "/state/" + targetType + "/" + uid
}

func (b *Bridge) commandTopic(targetType, uid string) string {
	return b.baseTopic + "/set/" + targetType + "/" + uid
}

func (b *Bridge) setFilter() string {
	return b.baseTopic + "/set/#"
}

// discoveryTopic returns the retained discovery document topic for a
// component ("light", "switch", "fan") and entity.
func (b *Bridge) discoveryTopic(component, uid string) string {
	return b.discoveryPrefix + "/" + component + "/cyncd/" + uid + "/config"
}

// parseSetTopic extracts the target from an inbound command topic.
// The numeric target id is the trailing component of the uid, so
// "cync/set/device/842917-3" addresses mesh device 3.
func (b *Bridge) parseSetTopic(topic string) (setRequest, error) {
	rest, ok := strings.CutPrefix(topic, b.baseTopic+"/set/")
	if !ok {
		return setRequest{}, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}

	parts := strings.Split(rest, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return setRequest{}, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}

	req := setRequest{}
	switch parts[0] {
	case targetDevice:
	case targetGroup:
		req.group = true
	default:
		return setRequest{}, fmt.Errorf("%w: %q", ErrBadTargetType, parts[0])
	}

	uid := parts[1]
	idStr := uid
	if i := strings.LastIndexByte(uid, '-'); i >= 0 {
		idStr = uid[i+1:]
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return setRequest{}, fmt.Errorf("%w: %q", ErrBadTargetID, uid)
	}
	req.id = id

	if len(parts) == 3 {
		req.extra = parts[2]
	}

	return req, nil
}
