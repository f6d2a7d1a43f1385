package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"ghostcredit/native/bank"
	"ghostcredit/native/credit"
)

type coinJSON struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

func parseAmount(raw string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", errBadRequest, raw, err)
	}
	return amount, nil
}

func (c coinJSON) coin() (bank.Coin, error) {
	amount, err := parseAmount(c.Amount)
	if err != nil {
		return bank.Coin{}, err
	}
	return bank.Coin{Denom: bank.NormalizeDenom(c.Denom), Amount: amount}, nil
}

func parseCoins(in []coinJSON) (bank.Coins, error) {
	out := make(bank.Coins, 0, len(in))
	for _, c := range in {
		coin, err := c.coin()
		if err != nil {
			return nil, err
		}
		out = append(out, coin)
	}
	return out, nil
}

func toCoinsJSON(coins bank.Coins) []coinJSON {
	out := make([]coinJSON, 0, len(coins))
	for _, c := range coins {
		amount := "0"
		if c.Amount != nil {
			amount = c.Amount.Dec()
		}
		out = append(out, coinJSON{Denom: c.Denom, Amount: amount})
	}
	return out
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, raw)
	}
	return common.HexToAddress(raw), nil
}

// actionJSON is a liquidation action. Payload is passed to the target as raw
// JSON. An empty repay amount repays the full balance.
type actionJSON struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Funds   []coinJSON      `json:"funds,omitempty"`
	Denom   string          `json:"denom,omitempty"`
	Amount  string          `json:"amount,omitempty"`
}

func (a actionJSON) action() (credit.Action, error) {
	switch strings.ToLower(strings.TrimSpace(a.Kind)) {
	case "execute":
		funds, err := parseCoins(a.Funds)
		if err != nil {
			return credit.Action{}, err
		}
		return credit.ExecuteAction(a.Target, []byte(a.Payload), funds...), nil
	case "repay":
		var amount *uint256.Int
		if strings.TrimSpace(a.Amount) != "" {
			parsed, err := parseAmount(a.Amount)
			if err != nil {
				return credit.Action{}, err
			}
			amount = parsed
		}
		return credit.RepayAction(a.Denom, amount), nil
	default:
		return credit.Action{}, fmt.Errorf("%w: unknown action kind %q", errBadRequest, a.Kind)
	}
}

func parseActions(in []actionJSON) ([]credit.Action, error) {
	out := make([]credit.Action, 0, len(in))
	for i, a := range in {
		action, err := a.action()
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, action)
	}
	return out, nil
}

func toActionJSON(a credit.Action) actionJSON {
	out := actionJSON{Kind: a.Kind.String()}
	switch a.Kind {
	case credit.ActionExecute:
		out.Target = a.Target
		if json.Valid(a.Payload) {
			out.Payload = json.RawMessage(a.Payload)
		}
		out.Funds = toCoinsJSON(a.Funds)
	case credit.ActionRepay:
		out.Denom = a.Denom
		if a.Amount != nil {
			out.Amount = a.Amount.Dec()
		}
	}
	return out
}

type orderRuleJSON struct {
	First string `json:"first"`
	Then  string `json:"then"`
}

// msgJSON is one owner instruction, discriminated by Type.
type msgJSON struct {
	Type     string          `json:"type"`
	Coin     *coinJSON       `json:"coin,omitempty"`
	To       string          `json:"to,omitempty"`
	Coins    []coinJSON      `json:"coins,omitempty"`
	Target   string          `json:"target,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Funds    []coinJSON      `json:"funds,omitempty"`
	Messages []actionJSON    `json:"messages,omitempty"`
	Order    []orderRuleJSON `json:"order,omitempty"`
}

func (m msgJSON) msg() (credit.AccountMsg, error) {
	coin := func() (bank.Coin, error) {
		if m.Coin == nil {
			return bank.Coin{}, fmt.Errorf("%w: %s requires coin", errBadRequest, m.Type)
		}
		return m.Coin.coin()
	}
	switch strings.ToLower(strings.TrimSpace(m.Type)) {
	case "borrow":
		c, err := coin()
		if err != nil {
			return nil, err
		}
		return credit.BorrowMsg{Coin: c}, nil
	case "repay":
		c, err := coin()
		if err != nil {
			return nil, err
		}
		return credit.RepayMsg{Coin: c}, nil
	case "send":
		to, err := parseAddress(m.To)
		if err != nil {
			return nil, err
		}
		coins, err := parseCoins(m.Coins)
		if err != nil {
			return nil, err
		}
		return credit.SendMsg{To: to, Coins: coins}, nil
	case "execute":
		funds, err := parseCoins(m.Funds)
		if err != nil {
			return nil, err
		}
		return credit.ExecuteMsg{Target: m.Target, Payload: []byte(m.Payload), Funds: funds}, nil
	case "set_preference_messages":
		actions, err := parseActions(m.Messages)
		if err != nil {
			return nil, err
		}
		return credit.SetPreferenceMessagesMsg{Messages: actions}, nil
	case "set_preference_order":
		rules := make([]credit.OrderRule, 0, len(m.Order))
		for _, r := range m.Order {
			rules = append(rules, credit.OrderRule{First: r.First, Then: r.Then})
		}
		return credit.SetPreferenceOrderMsg{Order: rules}, nil
	case "transfer":
		to, err := parseAddress(m.To)
		if err != nil {
			return nil, err
		}
		return credit.TransferMsg{To: to}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", errBadRequest, m.Type)
	}
}

type valuedJSON struct {
	Denom         string `json:"denom"`
	Amount        string `json:"amount"`
	Value         string `json:"value"`
	ValueAdjusted string `json:"valueAdjusted,omitempty"`
}

type accountJSON struct {
	Address         string          `json:"address"`
	Owner           string          `json:"owner"`
	Tag             string          `json:"tag"`
	Collaterals     []valuedJSON    `json:"collaterals,omitempty"`
	Debts           []valuedJSON    `json:"debts,omitempty"`
	TotalCollateral string          `json:"totalCollateral,omitempty"`
	TotalAdjusted   string          `json:"totalAdjusted,omitempty"`
	TotalDebt       string          `json:"totalDebt,omitempty"`
	LTV             string          `json:"ltv,omitempty"`
	State           string          `json:"state,omitempty"`
	Preferences     []actionJSON    `json:"preferences,omitempty"`
	Order           []orderRuleJSON `json:"order,omitempty"`
}

func toRecordJSON(rec credit.AccountRecord) accountJSON {
	out := accountJSON{
		Address: rec.Address.Hex(),
		Owner:   rec.Owner.Hex(),
		Tag:     rec.Tag,
	}
	for _, a := range rec.Preferences.Messages {
		out.Preferences = append(out.Preferences, toActionJSON(a))
	}
	for _, r := range rec.Preferences.Order {
		out.Order = append(out.Order, orderRuleJSON{First: r.First, Then: r.Then})
	}
	return out
}

func toAccountJSON(acct credit.CreditAccount, cfg credit.Config) accountJSON {
	out := toRecordJSON(acct.Record)
	for _, c := range acct.Collaterals {
		out.Collaterals = append(out.Collaterals, valuedJSON{
			Denom:         c.Item.Denom,
			Amount:        c.Item.Amount.Dec(),
			Value:         c.Value.String(),
			ValueAdjusted: c.ValueAdjusted.String(),
		})
	}
	for _, d := range acct.Debts {
		out.Debts = append(out.Debts, valuedJSON{
			Denom:  d.Item.Denom,
			Amount: d.Item.Amount.Dec(),
			Value:  d.Value.String(),
		})
	}
	out.TotalCollateral = acct.TotalCollateral().String()
	out.TotalAdjusted = acct.TotalAdjusted().String()
	out.TotalDebt = acct.TotalDebt().String()
	out.LTV = acct.FormatLTV()
	out.State = acct.Classify(cfg).String()
	return out
}

type sessionJSON struct {
	ID            string       `json:"id"`
	Account       string       `json:"account"`
	Liquidator    string       `json:"liquidator"`
	Status        string       `json:"status"`
	Executed      uint32       `json:"executed"`
	Remaining     []actionJSON `json:"remaining,omitempty"`
	Continuations uint32       `json:"continuations"`
	SpentUSD      string       `json:"spentUsd"`
	RepaidUSD     string       `json:"repaidUsd"`
	Error         string       `json:"error,omitempty"`
	CreatedAt     uint64       `json:"createdAt"`
}

func toSessionJSON(s *credit.Session) sessionJSON {
	out := sessionJSON{
		ID:            s.ID,
		Account:       s.Account.Hex(),
		Liquidator:    s.Liquidator.Hex(),
		Status:        s.Status.String(),
		Executed:      s.Executed,
		Continuations: s.Continuations,
		SpentUSD:      s.SpentUSD.String(),
		RepaidUSD:     s.RepaidUSD.String(),
		Error:         s.Error,
		CreatedAt:     s.CreatedAt,
	}
	for _, step := range s.Queue {
		out.Remaining = append(out.Remaining, toActionJSON(step.Action))
	}
	return out
}
