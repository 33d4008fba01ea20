// Package wire implements the Baichuan binary frame format: the fixed
// 20-byte header, the optional channel extension block, and the XML
// message bodies carried as (possibly encrypted) frame payloads.
//
// Encoding and decoding are pure with respect to their inputs; the only
// state a Codec carries is the cipher negotiated at login.
package wire
