package xades

import (
	"context"
	"encoding/base64"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/georgepadayatti/goxades/generated/etsi"
	"github.com/georgepadayatti/goxades/generated/w3c"
	"github.com/georgepadayatti/goxades/sign/algorithms"
	"github.com/georgepadayatti/goxades/sign/timestamps"
	"github.com/georgepadayatti/goxades/xmldsig"
)

// timestampCanonicalization is the method recorded on the timestamps the
// engine produces.
const timestampCanonicalization = w3c.AlgExcC14N

// UpgradeToT adds a SignatureTimeStamp over the SignatureValue. It fails
// when the signature already carries one. doc is only modified on
// success.
func (e *Engine) UpgradeToT(ctx context.Context, doc *SignatureDocument, params *UpgradeParameters) error {
	const op = "upgrade-t"
	if err := checkUpgrade(op, doc, params); err != nil {
		return err
	}
	if len(doc.signatureTimeStamps()) > 0 {
		return newError(KindConfiguration, op, "", ErrTimestampPresent)
	}

	work := doc.Clone()
	if err := e.addSignatureTimeStamp(ctx, op, work, params); err != nil {
		return err
	}
	if err := work.resync(); err != nil {
		return classify(op, "reloading upgraded document", err)
	}
	doc.commit(work)
	e.logger.Info("signature upgraded", zap.String("signature", doc.SignatureID()), zap.Stringer("level", LevelT))
	return nil
}

// Upgrade brings doc to level.
func (e *Engine) Upgrade(ctx context.Context, doc *SignatureDocument, level Level, params *UpgradeParameters) error {
	switch level {
	case LevelT:
		return e.UpgradeToT(ctx, doc, params)
	case LevelXL:
		return e.UpgradeToXL(ctx, doc, params)
	}
	return configError("upgrade", "unknown level %v", level)
}

func checkUpgrade(op string, doc *SignatureDocument, params *UpgradeParameters) error {
	if doc == nil || doc.signature == nil {
		return configError(op, "no signature to upgrade")
	}
	if params == nil || params.Timestamper == nil {
		return configError(op, "no timestamp authority")
	}
	return nil
}

func (e *Engine) addSignatureTimeStamp(ctx context.Context, op string, doc *SignatureDocument, params *UpgradeParameters) error {
	sv := doc.SignatureValue()
	if sv == nil {
		return lookupError(op, "signature %q has no SignatureValue", doc.SignatureID())
	}
	octets, err := xmldsig.Canonicalize(sv, timestampCanonicalization)
	if err != nil {
		return newError(KindConfiguration, op, "canonicalizing SignatureValue", err)
	}

	ts, err := e.timestamp(ctx, op, "SignatureTimeStamp", octets, params.digest(), params.Timestamper)
	if err != nil {
		return err
	}
	el, err := toElement(&etsi.SignatureTimeStamp{XAdESTimeStampType: ts})
	if err != nil {
		return newError(KindConfiguration, op, "building SignatureTimeStamp", err)
	}

	usp, err := doc.unsignedSignatureProperties(true)
	if err != nil {
		return err
	}
	splice(usp, el)
	return nil
}

// timestamp requests a token over data and wraps it in an element with
// a fresh id starting with idPrefix.
func (e *Engine) timestamp(ctx context.Context, op, idPrefix string, data []byte, digest algorithms.DigestAlgorithm, tsa timestamps.Timestamper) (etsi.XAdESTimeStampType, error) {
	e.logger.Debug("requesting timestamp", zap.String("op", op), zap.Stringer("digest", digest))
	token, err := tsa.Timestamp(ctx, digest.Sum(data), digest)
	if err != nil {
		return etsi.XAdESTimeStampType{}, classify(op, "requesting timestamp", err)
	}
	return etsi.XAdESTimeStampType{
		ID:                     newID(idPrefix),
		CanonicalizationMethod: &w3c.CanonicalizationMethod{Algorithm: timestampCanonicalization},
		EncapsulatedTimeStamp: []etsi.EncapsulatedPKIDataType{{
			ID:    newID("EncapsulatedTimeStamp"),
			Value: base64.StdEncoding.EncodeToString(token),
		}},
	}, nil
}

// timeStampToken decodes the first token of a timestamp element.
func timeStampToken(el *etree.Element) (*etsi.XAdESTimeStampType, *timestamps.Token, error) {
	var ts etsi.XAdESTimeStampType
	if err := unmarshalElement(el, &ts); err != nil {
		return nil, nil, err
	}
	raw, err := ts.Token()
	if err != nil {
		return nil, nil, err
	}
	if raw == nil {
		return &ts, nil, xmldsig.ErrMalformedSignature
	}
	token, err := timestamps.ParseToken(raw)
	if err != nil {
		return &ts, nil, err
	}
	return &ts, token, nil
}
