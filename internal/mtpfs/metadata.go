package mtpfs

import (
	"math"

	"github.com/fruitsalade/mtpfs/internal/device"
)

// RootID is the node id of the mount root.
const RootID device.NodeID = math.MaxUint32

// NodeMetadata is a snapshot of one node. Once installed in the cache it is
// shared by every reader and never modified; refreshes build a new value.
//
// Children is set iff HasChildren, Storages iff HasStorages. Metadata
// without either is shallow: attributes are known, contents are not.
type NodeMetadata struct {
	Info        device.FileInfo
	HasChildren bool
	HasStorages bool
	FromCache   bool
	Children    []device.FileInfo
	Storages    []device.StorageInfo
}

// ID returns the id of the described node.
func (m *NodeMetadata) ID() device.NodeID {
	return m.Info.ID
}

func (m *NodeMetadata) clone() *NodeMetadata {
	c := *m
	return &c
}

// withChildren returns a copy of m carrying children.
func (m *NodeMetadata) withChildren(children []device.FileInfo) *NodeMetadata {
	c := m.clone()
	c.Children = children
	c.HasChildren = true
	c.FromCache = false
	return c
}

// parentNodeID maps a top-level object's parent 0 to its storage id.
func (m *NodeMetadata) parentNodeID() device.NodeID {
	if m.Info.ParentID == 0 {
		return m.Info.StorageID
	}
	return m.Info.ParentID
}

func shallow(info device.FileInfo) *NodeMetadata {
	return &NodeMetadata{Info: info}
}

func storageFolderInfo(s device.StorageInfo) device.FileInfo {
	return device.FileInfo{
		ID:        s.ID,
		StorageID: s.ID,
		Name:      s.Description,
		Kind:      device.KindFolder,
	}
}
