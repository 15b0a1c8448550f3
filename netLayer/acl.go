package netLayer

import (
	"net"
	"strings"

	"github.com/e1732a364fed/mesona/utils"
	"github.com/yl2chen/cidranger"
	"go.uber.org/zap"
)

// ACL 是一个来源地址白名单. nil 的 *ACL 允许所有地址.
type ACL struct {
	ranger cidranger.Ranger
	size   int
}

// NewACL 接受 cidr (如 10.0.0.0/8) 或单个ip. 空列表返回 nil.
func NewACL(list []string) (*ACL, error) {
	if len(list) == 0 {
		return nil, nil
	}
	acl := &ACL{ranger: cidranger.NewPCTrieRanger()}
	for _, s := range list {
		s = strings.TrimSpace(s)
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, utils.ErrInErr{ErrDesc: "invalid ip in allow list", ErrDetail: utils.ErrWrongParameter, Data: s}
			}
			if ip.To4() != nil {
				s += "/32"
			} else {
				s += "/128"
			}
		}
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "invalid cidr in allow list", ErrDetail: err, Data: s}
		}
		if err := acl.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			return nil, err
		}
		acl.size++
	}
	return acl, nil
}

func (acl *ACL) Len() int {
	if acl == nil {
		return 0
	}
	return acl.size
}

func (acl *ACL) AllowIP(ip net.IP) bool {
	if acl == nil {
		return true
	}
	if ip == nil {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	ok, err := acl.ranger.Contains(ip)
	if err != nil {
		if ce := utils.CanLogDebug("acl check failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return false
	}
	return ok
}

func (acl *ACL) Allow(addr net.Addr) bool {
	if acl == nil {
		return true
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return acl.AllowIP(a.IP)
	case *net.UDPAddr:
		return acl.AllowIP(a.IP)
	}
	na, err := NewAddrFromAny(addr)
	if err != nil {
		return false
	}
	return acl.AllowIP(na.IP)
}
