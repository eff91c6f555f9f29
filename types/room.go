package types

import "fmt"

type RoomKind string

const (
	RoomKindRide    RoomKind = "ride"
	RoomKindPackage RoomKind = "package"
	RoomKindGroup   RoomKind = "group"
)

// RoomID identifies a broadcast topic. Rooms exist only while they have
// members; there is nothing to persist.
type RoomID struct {
	Kind     RoomKind
	EntityID string
}

func RideRoom(rideID string) RoomID   { return RoomID{Kind: RoomKindRide, EntityID: rideID} }
func PackageRoom(pkgID string) RoomID { return RoomID{Kind: RoomKindPackage, EntityID: pkgID} }
func GroupRoom(groupID string) RoomID { return RoomID{Kind: RoomKindGroup, EntityID: groupID} }

func (r RoomID) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.EntityID)
}
