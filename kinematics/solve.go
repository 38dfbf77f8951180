package kinematics

import (
	"math"

	"github.com/signalsfoundry/tas-simulator/model"
)

// Energies returns the incident and final energies in meV implied by the
// fixed-energy mode, flagging any that are not positive.
func Energies(deltaE, fixedEnergy float64, mode model.FixedMode) (ei, ef float64, flags Flags) {
	if mode == model.KfFixed {
		ef = fixedEnergy
		ei = fixedEnergy + deltaE
	} else {
		ei = fixedEnergy
		ef = fixedEnergy - deltaE
	}
	if ei <= 0 {
		flags = flags.Add(FlagNegativeEi)
	}
	if ef <= 0 {
		flags = flags.Add(FlagNegativeEf)
	}
	return ei, ef, flags
}

// SolveAnglesFromQ computes the five instrument angles that realise the
// momentum transfer q (sample frame, Å⁻¹) at energy transfer deltaE (meV).
//
// Infeasibility is reported through the returned Flags; the angles are only
// meaningful when the set is empty. The sample two-theta is always reported
// negative and the sample rotation is stt/2 + atan2(qy, qx). A Q with no
// in-plane component leaves the sample rotation undefined and is flagged.
func SolveAnglesFromQ(q Vec3, deltaE, fixedEnergy float64, mode model.FixedMode, mono, ana *model.Crystal) (model.Angles, Flags) {
	var (
		angles model.Angles
		flags  Flags
	)
	if mono == nil || ana == nil {
		return angles, flags.Add(FlagCrystalNotFound)
	}
	qNorm := q.Norm()
	if qNorm == 0 {
		return angles, flags.Add(FlagZeroQ)
	}

	ei, ef, flags := Energies(deltaE, fixedEnergy, mode)
	if !flags.Empty() {
		return angles, flags
	}
	ki := EnergyToWavevector(ei)
	kf := EnergyToWavevector(ef)

	if theta, err := WavevectorToAngle(ki, mono.DSpacing); err != nil {
		flags = flags.Add(FlagMTT)
	} else {
		angles.Mtt = 2 * theta
	}
	if theta, err := WavevectorToAngle(kf, ana.DSpacing); err != nil {
		flags = flags.Add(FlagATT)
	} else {
		angles.Att = 2 * theta
	}

	cosStt := (qNorm*qNorm - ki*ki - kf*kf) / (-2 * ki * kf)
	if cosStt < -1 || cosStt > 1 || math.IsNaN(cosStt) {
		return angles, flags.Add(FlagSTT)
	}
	angles.Stt = -rad2deg(math.Acos(cosStt))

	if q.X == 0 && q.Y == 0 {
		return angles, flags.Add(FlagSTH)
	}
	angles.Sth = angles.Stt/2 + rad2deg(math.Atan2(q.Y, q.X))
	angles.Saz = -rad2deg(math.Atan2(q.Z, q.InPlane()))
	return angles, flags
}

// SolveQFromAngles is the inverse of SolveAnglesFromQ. The wavevector on the
// fixed side comes from fixedEnergy; the other side is read from the
// monochromator or analyzer two-theta.
func SolveQFromAngles(angles model.Angles, fixedEnergy float64, mode model.FixedMode, mono, ana *model.Crystal) (Vec3, float64, Flags) {
	var flags Flags
	if mono == nil || ana == nil {
		return Vec3{}, 0, flags.Add(FlagCrystalNotFound)
	}

	var ki, kf float64
	if mode == model.KfFixed {
		kf = EnergyToWavevector(fixedEnergy)
		ki = AngleToWavevector(angles.Mtt/2, mono.DSpacing)
	} else {
		ki = EnergyToWavevector(fixedEnergy)
		kf = AngleToWavevector(angles.Att/2, ana.DSpacing)
	}
	if fixedEnergy <= 0 {
		if mode == model.KfFixed {
			flags = flags.Add(FlagNegativeEf)
		} else {
			flags = flags.Add(FlagNegativeEi)
		}
	}
	if ki == 0 {
		flags = flags.Add(FlagMTT)
	}
	if kf == 0 {
		flags = flags.Add(FlagATT)
	}
	if !flags.Empty() {
		return Vec3{}, 0, flags
	}

	q2 := ki*ki + kf*kf - 2*ki*kf*math.Cos(deg2rad(angles.Stt))
	if q2 <= 0 {
		return Vec3{}, 0, flags.Add(FlagZeroQ)
	}
	qNorm := math.Sqrt(q2)

	phi := deg2rad(angles.Sth - angles.Stt/2)
	saz := deg2rad(angles.Saz)
	inPlane := qNorm * math.Cos(saz)
	q := Vec3{
		X: inPlane * math.Cos(phi),
		Y: inPlane * math.Sin(phi),
		Z: -qNorm * math.Sin(saz),
	}
	deltaE := WavevectorToEnergy(ki) - WavevectorToEnergy(kf)
	return q, deltaE, flags
}
