package peripheral

import (
	"fmt"

	"github.com/google/uuid"
)

// noName 无名称外设排序时使用的占位名
const noName = "NoName"

// Identity 扫描发现的远端外设：平台分配的唯一标识 + 显示名称
type Identity struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// New 创建外设标识
func New(id uuid.UUID, name string) Identity {
	return Identity{ID: id, Name: name}
}

// Equal 仅以标识判等
func (p Identity) Equal(other Identity) bool {
	return p.ID == other.ID
}

// Less 名称升序；名称相同时按标识降序，保证扫描结果顺序稳定
func (p Identity) Less(other Identity) bool {
	ln, rn := p.sortName(), other.sortName()
	if ln != rn {
		return ln < rn
	}
	return p.ID.String() > other.ID.String()
}

func (p Identity) sortName() string {
	if p.Name == "" {
		return noName
	}
	return p.Name
}

func (p Identity) String() string {
	return fmt.Sprintf("%s(%s)", p.sortName(), p.ID)
}
