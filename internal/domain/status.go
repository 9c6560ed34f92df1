package domain

import (
	"fmt"
	"strings"
)

// ShipmentStatus 发货单状态（对应 shipments.status）
// PREPARING -> SHIPPED -> RECEIVING -> RECEIVED
type ShipmentStatus string

const (
	ShipmentPreparing ShipmentStatus = "PREPARING"
	ShipmentShipped   ShipmentStatus = "SHIPPED"
	ShipmentReceiving ShipmentStatus = "RECEIVING"
	ShipmentReceived  ShipmentStatus = "RECEIVED"
)

// ParseShipmentStatus 解析发货单状态，未知值返回 ValidationError
func ParseShipmentStatus(s string) (ShipmentStatus, error) {
	switch st := ShipmentStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case ShipmentPreparing, ShipmentShipped, ShipmentReceiving, ShipmentReceived:
		return st, nil
	}
	return "", NewValidationError("shipment_status", fmt.Sprintf("unknown shipment status %q", s))
}

// rank 用于 ">= SHIPPED" 这类比较
func (s ShipmentStatus) rank() int {
	switch s {
	case ShipmentPreparing:
		return 0
	case ShipmentShipped:
		return 1
	case ShipmentReceiving:
		return 2
	case ShipmentReceived:
		return 3
	}
	return -1
}

// AtLeast 状态是否已经到达 other（按生命周期顺序）
func (s ShipmentStatus) AtLeast(other ShipmentStatus) bool {
	return s.rank() >= other.rank() && s.rank() >= 0
}

// Next 返回生命周期中的下一个状态；RECEIVED 为终态
func (s ShipmentStatus) Next() (ShipmentStatus, bool) {
	switch s {
	case ShipmentPreparing:
		return ShipmentShipped, true
	case ShipmentShipped:
		return ShipmentReceiving, true
	case ShipmentReceiving:
		return ShipmentReceived, true
	case ShipmentReceived:
		return "", false
	}
	return "", false
}

// InTransit 处于该状态的发货单，其样本应为 IN_TRANSIT
func (s ShipmentStatus) InTransit() bool {
	switch s {
	case ShipmentShipped, ShipmentReceiving:
		return true
	case ShipmentPreparing, ShipmentReceived:
		return false
	}
	return false
}

// AliquotStatus 样本状态（对应 aliquots.status）
type AliquotStatus string

const (
	AliquotAvailable AliquotStatus = "AVAILABLE"
	AliquotInTransit AliquotStatus = "IN_TRANSIT"
	AliquotRejected  AliquotStatus = "REJECTED"
	AliquotUsed      AliquotStatus = "USED"
)

func ParseAliquotStatus(s string) (AliquotStatus, error) {
	switch st := AliquotStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case AliquotAvailable, AliquotInTransit, AliquotRejected, AliquotUsed:
		return st, nil
	}
	return "", NewValidationError("aliquot_status", fmt.Sprintf("unknown aliquot status %q", s))
}

// CanTransitionTo 样本状态迁移表
//   AVAILABLE  -> IN_TRANSIT | USED | REJECTED
//   IN_TRANSIT -> AVAILABLE | REJECTED
//   REJECTED, USED 为终态
func (s AliquotStatus) CanTransitionTo(next AliquotStatus) bool {
	switch s {
	case AliquotAvailable:
		return next == AliquotInTransit || next == AliquotUsed || next == AliquotRejected
	case AliquotInTransit:
		return next == AliquotAvailable || next == AliquotRejected
	case AliquotRejected, AliquotUsed:
		return false
	}
	return false
}

// ReceptionStatus 接收结果（对应 shipments.reception_status）
type ReceptionStatus string

const (
	ReceptionAllGood      ReceptionStatus = "ALL_GOOD"
	ReceptionPartiallyBad ReceptionStatus = "PARTIALLY_BAD"
	ReceptionAllBad       ReceptionStatus = "ALL_BAD"
)

func ParseReceptionStatus(s string) (ReceptionStatus, error) {
	switch st := ReceptionStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case ReceptionAllGood, ReceptionPartiallyBad, ReceptionAllBad:
		return st, nil
	}
	return "", NewValidationError("reception_status", fmt.Sprintf("unknown reception status %q", s))
}

// Condition 样本接收时的物理状态（对应 shipped_aliquots.condition）
type Condition string

const (
	ConditionNoDamage        Condition = "NO_DAMAGE"
	ConditionBroken          Condition = "BROKEN"
	ConditionMissing         Condition = "MISSING"
	ConditionDefrost         Condition = "DEFROST"
	ConditionWholeDamage     Condition = "WHOLE_DAMAGE"
	ConditionExosomesFailure Condition = "EXOSOMES_FAILURE"
	ConditionOther           Condition = "OTHER"
)

func ParseCondition(s string) (Condition, error) {
	switch c := Condition(strings.ToUpper(strings.TrimSpace(s))); c {
	case ConditionNoDamage, ConditionBroken, ConditionMissing, ConditionDefrost,
		ConditionWholeDamage, ConditionExosomesFailure, ConditionOther:
		return c, nil
	}
	return "", NewValidationError("condition", fmt.Sprintf("unknown condition %q", s))
}

// Damaged NO_DAMAGE 以外的所有状态都视为损坏
func (c Condition) Damaged() bool {
	switch c {
	case ConditionNoDamage:
		return false
	case ConditionBroken, ConditionMissing, ConditionDefrost, ConditionWholeDamage,
		ConditionExosomesFailure, ConditionOther:
		return true
	}
	return true
}

// SampleType 样本类型
type SampleType string

const (
	SampleWholeBlood SampleType = "WHOLE_BLOOD"
	SamplePlasma     SampleType = "PLASMA"
	SamplePBMC       SampleType = "PBMC"
	SampleSerum      SampleType = "SERUM"
	SampleExosomes   SampleType = "EXOSOMES"
)

// SampleTypes 固定顺序（用于输出和 eCRF 表单字段）
var SampleTypes = []SampleType{SampleWholeBlood, SamplePlasma, SamplePBMC, SampleSerum, SampleExosomes}

func ParseSampleType(s string) (SampleType, error) {
	switch t := SampleType(strings.ToUpper(strings.TrimSpace(s))); t {
	case SampleWholeBlood, SamplePlasma, SamplePBMC, SampleSerum, SampleExosomes:
		return t, nil
	}
	return "", NewValidationError("sample_type", fmt.Sprintf("unknown sample type %q", s))
}

// FormField eCRF 表单中记录该类型样本编号的字段名
func (t SampleType) FormField() string {
	switch t {
	case SampleWholeBlood:
		return "whole_blood_aliquots"
	case SamplePlasma:
		return "plasma_aliquots"
	case SamplePBMC:
		return "pbmc_aliquots"
	case SampleSerum:
		return "serum_aliquots"
	case SampleExosomes:
		return "exosomes_aliquots"
	}
	return ""
}
