package partition

import "errors"

// Name 分区名称，每个分区是一个独立连接的数据存储
type Name string

const (
	Customer     Name = "customer"
	Provider     Name = "provider"
	Admin        Name = "admin"
	Relationship Name = "relationship"
)

const (
	RoleCustomer = "customer"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
	RoleUnknown  = "unknown"
)

var (
	ErrUnavailable      = errors.New("partition unavailable")
	ErrUnknownPartition = errors.New("unknown partition")
)

// ProbeOrder 身份解析的固定探测顺序，不可调整
var ProbeOrder = []Name{Provider, Customer, Admin}

// AccountPartitions 存放账号的分区
var AccountPartitions = []Name{Customer, Provider, Admin}

// ForRole 角色 -> 分区
func ForRole(role string) (Name, bool) {
	switch role {
	case RoleCustomer:
		return Customer, true
	case RoleProvider:
		return Provider, true
	case RoleAdmin:
		return Admin, true
	}
	return "", false
}

// Role 分区 -> 角色，relationship 分区没有对应角色
func (n Name) Role() string {
	switch n {
	case Customer:
		return RoleCustomer
	case Provider:
		return RoleProvider
	case Admin:
		return RoleAdmin
	}
	return RoleUnknown
}

func (n Name) Valid() bool {
	switch n {
	case Customer, Provider, Admin, Relationship:
		return true
	}
	return false
}

func (n Name) String() string { return string(n) }
