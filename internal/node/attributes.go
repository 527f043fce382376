package node

import (
	"context"
	"fmt"
	"math"

	"powernet/broker/internal/persistence"
)

// Attribute keys persisted per node.
const (
	AttrFuel             = "fuel"
	AttrFuelCapacity     = "fuel_capacity"
	AttrOutputRate       = "output_rate"
	AttrBurnRate         = "burn_rate"
	AttrStored           = "stored"
	AttrCapacity         = "capacity"
	AttrChargeRate       = "charge_rate"
	AttrDischargeRate    = "discharge_rate"
	AttrDischargeEnabled = "discharge_enabled"
	AttrDemand           = "demand"
	AttrRequest          = "request"
	AttrIntensity        = "intensity"
	AttrMode             = "mode"
	AttrTransferRate     = "transfer_rate"
	AttrNetworkID        = "network_id"
	AttrJoinRadius       = "join_radius"
)

// Defaults applied when attributes are missing from the store.
const (
	DefaultFuelCapacity = 100.0
	DefaultOutputRate   = 10.0
	DefaultBurnRate     = 1.0
	DefaultCapacity     = 1000.0
	DefaultRequest      = 5.0
	DefaultTransferRate = 5.0
)

// Load reads the node's persisted attributes, applying defaults for anything
// missing. A store error still leaves the node usable with default values.
func (n *Node) Load(ctx context.Context, store persistence.Store) error {
	if n == nil {
		return nil
	}
	attrs := persistence.NewAttributes()
	var loadErr error
	if store != nil {
		loaded, err := store.Load(ctx, string(n.ID))
		if err != nil {
			loadErr = fmt.Errorf("load node %s: %w", n.ID, err)
		} else {
			attrs = loaded
		}
	}
	n.ApplyAttributes(attrs)
	return loadErr
}

// Save writes the node's persisted attributes.
func (n *Node) Save(ctx context.Context, store persistence.Store) error {
	if n == nil || store == nil {
		return nil
	}
	if err := store.Save(ctx, string(n.ID), n.Attributes()); err != nil {
		return fmt.Errorf("save node %s: %w", n.ID, err)
	}
	return nil
}

// ApplyAttributes overwrites the variant payload from attrs. The persisted
// network id is informational and never restored.
func (n *Node) ApplyAttributes(attrs persistence.Attributes) {
	if n == nil {
		return
	}
	switch n.Kind {
	case KindSource:
		if n.Source == nil {
			n.Source = &SourceState{}
		}
		s := n.Source
		s.FuelCapacity = nonNegative(attrs.Float(AttrFuelCapacity, orDefault(s.FuelCapacity, DefaultFuelCapacity)))
		s.Fuel = clamp(attrs.Float(AttrFuel, s.FuelCapacity), 0, s.FuelCapacity)
		s.OutputRate = nonNegative(attrs.Float(AttrOutputRate, orDefault(s.OutputRate, DefaultOutputRate)))
		s.BurnRate = nonNegative(attrs.Float(AttrBurnRate, orDefault(s.BurnRate, DefaultBurnRate)))
	case KindStorage:
		if n.Storage == nil {
			n.Storage = &StorageState{DischargeEnabled: true}
		}
		s := n.Storage
		s.Capacity = nonNegative(attrs.Float(AttrCapacity, orDefault(s.Capacity, DefaultCapacity)))
		s.Stored = clamp(attrs.Float(AttrStored, s.Stored), 0, s.Capacity)
		s.ChargeRate = nonNegative(attrs.Float(AttrChargeRate, s.ChargeRate))
		s.DischargeRate = nonNegative(attrs.Float(AttrDischargeRate, s.DischargeRate))
		s.DischargeEnabled = attrs.Bool(AttrDischargeEnabled, s.DischargeEnabled)
	case KindConsumer:
		if n.Consumer == nil {
			n.Consumer = &ConsumerState{}
		}
		c := n.Consumer
		c.Demand = attrs.Bool(AttrDemand, c.Demand)
		c.Request = nonNegative(attrs.Float(AttrRequest, orDefault(c.Request, DefaultRequest)))
		c.Intensity = int(attrs.Float(AttrIntensity, float64(c.Intensity)))
	case KindConduit:
		if n.Conduit == nil {
			n.Conduit = &ConduitState{}
		}
		c := n.Conduit
		if mode, err := ParseConduitMode(attrs.String(AttrMode, c.Mode.String())); err == nil {
			c.Mode = mode
		}
		c.TransferRate = nonNegative(attrs.Float(AttrTransferRate, orDefault(c.TransferRate, DefaultTransferRate)))
	case KindRelay:
		if n.Relay == nil {
			n.Relay = &RelayState{}
		}
		n.Relay.Radius = nonNegative(attrs.Float(AttrJoinRadius, n.Relay.Radius))
	}
}

// Attributes renders the persisted subset of the node's state.
func (n *Node) Attributes() persistence.Attributes {
	attrs := persistence.NewAttributes()
	if n == nil {
		return attrs
	}
	attrs.SetString(AttrNetworkID, n.NetworkID)
	switch {
	case n.Source != nil:
		attrs.SetFloat(AttrFuel, n.Source.Fuel)
		attrs.SetFloat(AttrFuelCapacity, n.Source.FuelCapacity)
		attrs.SetFloat(AttrOutputRate, n.Source.OutputRate)
		attrs.SetFloat(AttrBurnRate, n.Source.BurnRate)
	case n.Storage != nil:
		attrs.SetFloat(AttrStored, n.Storage.Stored)
		attrs.SetFloat(AttrCapacity, n.Storage.Capacity)
		attrs.SetFloat(AttrChargeRate, n.Storage.ChargeRate)
		attrs.SetFloat(AttrDischargeRate, n.Storage.DischargeRate)
		attrs.SetBool(AttrDischargeEnabled, n.Storage.DischargeEnabled)
	case n.Consumer != nil:
		attrs.SetBool(AttrDemand, n.Consumer.Demand)
		attrs.SetFloat(AttrRequest, n.Consumer.Request)
		attrs.SetFloat(AttrIntensity, float64(n.Consumer.Intensity))
	case n.Conduit != nil:
		attrs.SetString(AttrMode, n.Conduit.Mode.String())
		attrs.SetFloat(AttrTransferRate, n.Conduit.TransferRate)
	case n.Relay != nil:
		attrs.SetFloat(AttrJoinRadius, n.Relay.Radius)
	}
	return attrs
}

func orDefault(value, fallback float64) float64 {
	if value > 0 {
		return value
	}
	return fallback
}

func nonNegative(value float64) float64 {
	if value < 0 || math.IsNaN(value) {
		return 0
	}
	return value
}

func clamp(value, lo, hi float64) float64 {
	if math.IsNaN(value) || value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
