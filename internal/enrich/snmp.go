package enrich

import (
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

const snmpTimeout = 3 * time.Second

// System-group OIDs requested from every SNMP-capable device.
const (
	oidSysDescr    = ".1.3.6.1.2.1.1.1.0"
	oidSysContact  = ".1.3.6.1.2.1.1.4.0"
	oidSysName     = ".1.3.6.1.2.1.1.5.0"
	oidSysLocation = ".1.3.6.1.2.1.1.6.0"
)

// querySNMP requests the system OIDs over SNMPv2c. A short timeout and zero
// retries keep non-SNMP hosts cheap; most devices simply never answer.
func querySNMP(ip, community string) (*models.SNMPInfo, error) {
	client := &gosnmp.GoSNMP{
		Target:    ip,
		Port:      161,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   snmpTimeout,
		Retries:   0,
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s: %w", ip, err)
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{oidSysDescr, oidSysContact, oidSysName, oidSysLocation})
	if err != nil {
		return nil, fmt.Errorf("snmp get %s: %w", ip, err)
	}

	info := &models.SNMPInfo{}
	for _, variable := range result.Variables {
		value := snmpString(variable)
		if value == "" {
			continue
		}
		switch variable.Name {
		case oidSysDescr:
			info.SysDescr = value
		case oidSysContact:
			info.SysContact = value
		case oidSysName:
			info.SysName = value
		case oidSysLocation:
			info.SysLocation = value
		}
	}

	if *info == (models.SNMPInfo{}) {
		return nil, fmt.Errorf("snmp %s: empty system group", ip)
	}
	return info, nil
}

// snmpString extracts a printable value from an SNMP variable.
func snmpString(v gosnmp.SnmpPDU) string {
	switch v.Type {
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b)
		}
	}
	return ""
}
