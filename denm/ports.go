package denm

// Port is the well-known BTP-B destination port DENM is carried on, per
// ETSI TS 103 248 / the ITS-G5 port registry.
const Port uint16 = 2002
