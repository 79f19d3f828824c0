// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package program

// Architectural MSR addresses used by core programming. These
// are the fixed addresses defined by the Intel SDM's performance
// monitoring chapter, not discovered at runtime.
const (
	msrPerfGlobalCtrl    = 0x38F
	msrPerfGlobalStatus  = 0x38E
	msrPerfGlobalOvfCtrl = 0x390
	msrPerfGlobalInUse   = 0x392

	msrFixedCtrCtrl = 0x38D
	msrFixedCtr0    = 0x309

	msrPerfEvtSel0 = 0x186
	msrPMC0        = 0xC1

	msrOffcoreRsp0 = 0x1A6
	msrOffcoreRsp1 = 0x1A7
	msrLoadLatency = 0x3F6
	msrFrontend    = 0x3F7
	msrPEBSEnable  = 0x3F1

	msrPerfMetrics  = 0x329
	msrTopdownSlots = 0x3BC

	msrTSC = 0x10

	// msrThermStatus (IA32_THERM_STATUS) and msrPkgThermStatus
	// (IA32_PACKAGE_THERM_STATUS) hold a digital thermal readout in bits
	// 22:16, valid only when bit 31 is set.
	msrThermStatus    = 0x19C
	msrPkgThermStatus = 0x1B1

	// msrSMICount (MSR_SMI_COUNT) is a free-running count of System
	// Management Interrupts serviced since reset.
	msrSMICount = 0x34

	// Core and package C-state residency counters, in TSC-frequency ticks.
	msrCoreC3Residency = 0x3FC
	msrCoreC6Residency = 0x3FD
	msrCoreC7Residency = 0x3FE
	msrPkgC2Residency  = 0x60D
	msrPkgC3Residency  = 0x3F8
	msrPkgC6Residency  = 0x3F9
	msrPkgC7Residency  = 0x3FA

	// RDT/PQoS monitoring MSRs (IA32_QM_EVTSEL, IA32_QM_CTR, IA32_PQR_ASSOC).
	msrQMEvtsel = 0xC8D
	msrQMCtr    = 0xC8E
	msrPQRAssoc = 0xC8F
)

// CStateMSR returns the MSR address for the given C-state index's
// residency counter, following the per-core numbering for 3/6/7 and the
// per-package numbering for 2/3/6/7; ok is false for any other index.
func CStateMSR(state int, perPackage bool) (addr uint64, ok bool) {
	if perPackage {
		switch state {
		case 2:
			return msrPkgC2Residency, true
		case 3:
			return msrPkgC3Residency, true
		case 6:
			return msrPkgC6Residency, true
		case 7:
			return msrPkgC7Residency, true
		}
		return 0, false
	}
	switch state {
	case 3:
		return msrCoreC3Residency, true
	case 6:
		return msrCoreC6Residency, true
	case 7:
		return msrCoreC7Residency, true
	}
	return 0, false
}

// ThermStatusMSR returns IA32_THERM_STATUS (per-core) or
// IA32_PACKAGE_THERM_STATUS (per-package).
func ThermStatusMSR(perPackage bool) uint64 {
	if perPackage {
		return msrPkgThermStatus
	}
	return msrThermStatus
}

// SMICountMSR returns MSR_SMI_COUNT.
func SMICountMSR() uint64 { return msrSMICount }

// QMEvtselMSR, QMCtrMSR and PQRAssocMSR expose the RDT/PQoS monitoring
// MSR addresses to callers outside this package that program RMID
// association and read occupancy/bandwidth counters.
func QMEvtselMSR() uint64 { return msrQMEvtsel }
func QMCtrMSR() uint64    { return msrQMCtr }
func PQRAssocMSR() uint64 { return msrPQRAssoc }

func perfEvtSelMSR(slot int) uint64 { return msrPerfEvtSel0 + uint64(slot) }
func pmcMSR(slot int) uint64        { return msrPMC0 + uint64(slot) }
